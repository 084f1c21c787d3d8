package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kalambet/homepro/internal/retry"
)

const pineconeTimeout = 30 * time.Second

var _ Backend = (*Pinecone)(nil)

// PineconeConfig configures the Pinecone backend.
type PineconeConfig struct {
	APIKey string
	// Environment selects where new indexes are created. A value ending in a
	// cloud name ("us-east-1-aws", "us-central1-gcp") creates a serverless
	// index in that region; anything else is used as a pod environment.
	Environment string
	// ControllerURL overrides the control-plane host.
	ControllerURL string
	Namespace     string
	// RequestsPerSecond paces data-plane calls; zero disables pacing.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// indexConn is the part of *pinecone.IndexConnection the backend uses.
type indexConn interface {
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
	Close() error
}

// Pinecone manages index lifecycle through the control plane and keeps one
// data-plane connection per index host.
type Pinecone struct {
	cfg     PineconeConfig
	pc      *pinecone.Client
	limiter *rate.Limiter
	dial    func(host string) (indexConn, error)

	mu    sync.Mutex
	hosts map[string]string
	conns map[string]indexConn
}

func NewPinecone(cfg PineconeConfig) (*Pinecone, error) {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: pineconeTimeout}
	}
	pc, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey:     cfg.APIKey,
		Host:       strings.TrimRight(cfg.ControllerURL, "/"),
		RestClient: hc,
		SourceTag:  "homepro",
	})
	if err != nil {
		return nil, fmt.Errorf("creating pinecone client: %w", err)
	}

	p := &Pinecone{
		cfg:   cfg,
		pc:    pc,
		hosts: make(map[string]string),
		conns: make(map[string]indexConn),
	}
	p.dial = func(host string) (indexConn, error) {
		return pc.Index(pinecone.NewIndexConnParams{Host: host, Namespace: cfg.Namespace})
	}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return p, nil
}

func (p *Pinecone) ListIndexes(ctx context.Context) ([]string, error) {
	list, err := p.pc.ListIndexes(ctx)
	if err != nil {
		return nil, pineconeErr("list indexes", err)
	}
	names := make([]string, 0, len(list))
	for _, ix := range list {
		if ix == nil {
			continue
		}
		names = append(names, ix.Name)
		p.rememberHost(ix)
	}
	return names, nil
}

func (p *Pinecone) DescribeIndex(ctx context.Context, name string) (IndexSpec, error) {
	ix, err := p.pc.DescribeIndex(ctx, name)
	if err != nil {
		if pineconeStatus(err) == http.StatusNotFound {
			return IndexSpec{}, fmt.Errorf("%s: %w", name, ErrIndexNotFound)
		}
		return IndexSpec{}, pineconeErr("describe index", err)
	}
	p.rememberHost(ix)
	spec := IndexSpec{Name: ix.Name, Metric: Metric(ix.Metric)}
	if ix.Dimension != nil {
		spec.Dimension = int(*ix.Dimension)
	}
	return spec, nil
}

func (p *Pinecone) CreateIndex(ctx context.Context, spec IndexSpec) error {
	metric := pinecone.IndexMetric(spec.Metric)
	dim := int32(spec.Dimension)

	var (
		ix  *pinecone.Index
		err error
	)
	switch d := deploymentSpec(p.cfg.Environment); {
	case d.Serverless:
		ix, err = p.pc.CreateServerlessIndex(ctx, &pinecone.CreateServerlessIndexRequest{
			Name:      spec.Name,
			Dimension: &dim,
			Metric:    &metric,
			Cloud:     pinecone.Cloud(d.Cloud),
			Region:    d.Region,
		})
	default:
		ix, err = p.pc.CreatePodIndex(ctx, &pinecone.CreatePodIndexRequest{
			Name:        spec.Name,
			Dimension:   dim,
			Metric:      &metric,
			Environment: d.Environment,
			PodType:     d.PodType,
		})
	}
	if pineconeStatus(err) == http.StatusConflict {
		return nil
	}
	if err != nil {
		return pineconeErr("create index", err)
	}
	p.rememberHost(ix)
	return nil
}

// deployment is where a new index lives.
type deployment struct {
	Serverless  bool
	Cloud       string
	Region      string
	Environment string
	PodType     string
}

// deploymentSpec maps PINECONE_ENVIRONMENT to a serverless region or a pod
// environment.
func deploymentSpec(env string) deployment {
	if i := strings.LastIndex(env, "-"); i > 0 {
		switch cloud := env[i+1:]; cloud {
		case "aws", "gcp", "azure":
			return deployment{Serverless: true, Cloud: cloud, Region: env[:i]}
		}
	}
	return deployment{Environment: env, PodType: "p1.x1"}
}

func (p *Pinecone) Upsert(ctx context.Context, index string, records []Record) error {
	conn, err := p.conn(ctx, index)
	if err != nil {
		return err
	}
	vectors := make([]*pinecone.Vector, len(records))
	for i, r := range records {
		md, err := structpb.NewStruct(r.Metadata.Map())
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", r.ID, err)
		}
		values := r.Values
		vectors[i] = &pinecone.Vector{Id: r.ID, Values: &values, Metadata: md}
	}

	if err := p.wait(ctx); err != nil {
		return err
	}
	n, err := conn.UpsertVectors(ctx, vectors)
	if err != nil {
		return pineconeErr("upsert", err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("pinecone upserted %d of %d vectors", n, len(records))
	}
	return nil
}

func (p *Pinecone) Query(ctx context.Context, index string, vector []float32, topK int, filter Filter) ([]Match, error) {
	conn, err := p.conn(ctx, index)
	if err != nil {
		return nil, err
	}
	req := &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		IncludeMetadata: true,
	}
	if len(filter) > 0 {
		f := make(map[string]any, len(filter))
		for k, v := range filter {
			f[k] = map[string]any{"$eq": v}
		}
		if req.MetadataFilter, err = structpb.NewStruct(f); err != nil {
			return nil, fmt.Errorf("encoding filter: %w", err)
		}
	}

	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	res, err := conn.QueryByVectorValues(ctx, req)
	if err != nil {
		return nil, pineconeErr("query", err)
	}
	matches := make([]Match, 0, len(res.Matches))
	for _, m := range res.Matches {
		if m == nil || m.Vector == nil {
			continue
		}
		var md map[string]any
		if m.Vector.Metadata != nil {
			md = m.Vector.Metadata.AsMap()
		}
		matches = append(matches, Match{ID: m.Vector.Id, Score: m.Score, Metadata: MetadataFromMap(md)})
	}
	return matches, nil
}

// Close releases every open data-plane connection.
func (p *Pinecone) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for name, c := range p.conns {
		errs = append(errs, c.Close())
		delete(p.conns, name)
	}
	return errors.Join(errs...)
}

func (p *Pinecone) rememberHost(ix *pinecone.Index) {
	if ix == nil || ix.Host == "" {
		return
	}
	p.mu.Lock()
	p.hosts[ix.Name] = ix.Host
	p.mu.Unlock()
}

// conn returns the connection for index, describing it on first use to learn
// its host.
func (p *Pinecone) conn(ctx context.Context, index string) (indexConn, error) {
	p.mu.Lock()
	c, ok := p.conns[index]
	_, known := p.hosts[index]
	p.mu.Unlock()
	if ok {
		return c, nil
	}
	if !known {
		if _, err := p.DescribeIndex(ctx, index); err != nil {
			return nil, fmt.Errorf("resolving host for index %q: %w", index, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[index]; ok {
		return c, nil
	}
	host, ok := p.hosts[index]
	if !ok {
		return nil, fmt.Errorf("index %q has no host yet", index)
	}
	c, err := p.dial(host)
	if err != nil {
		return nil, fmt.Errorf("connecting to index %q: %w", index, err)
	}
	p.conns[index] = c
	return c, nil
}

func (p *Pinecone) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

// pineconeStatus is the HTTP status of a control-plane error, or 0.
func pineconeStatus(err error) int {
	var pe *pinecone.PineconeError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

// pineconeErr labels err with op and marks it transient when a retry could
// succeed: 429 and 5xx from the control plane, unavailable or throttled gRPC
// calls, and network failures.
func pineconeErr(op string, err error) error {
	if code := pineconeStatus(err); code != 0 {
		wrapped := fmt.Errorf("pinecone %s: status %d: %w", op, code, err)
		if retry.RetryableStatus(code) {
			return retry.Transient(wrapped)
		}
		return wrapped
	}

	wrapped := fmt.Errorf("pinecone %s: %w", op, err)
	if errors.Is(err, context.Canceled) {
		return wrapped
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		switch s.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return retry.Transient(wrapped)
		}
		return wrapped
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return retry.Transient(wrapped)
	}
	return wrapped
}
