package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kalambet/homepro/internal/retry"
)

func TestOpenAIEmbedTextsReordersByIndex(t *testing.T) {
	var got embeddingsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s, want /embeddings", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		// Deliberately out of order.
		w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0.2,0.2]},
			{"index":0,"embedding":[0.1,0.1]}
		]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	vecs, err := o.EmbedTexts(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if got.Model != "text-embedding-3-small" || len(got.Input) != 2 || got.Input[0] != "first" {
		t.Errorf("request = %+v", got)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.2 {
		t.Errorf("vecs = %v, want ordered by index", vecs)
	}
}

func TestOpenAIStatusClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"slow down"}}`, status)
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := o.EmbedTexts(context.Background(), []string{"x"})
	if !retry.IsTransient(err) {
		t.Errorf("429 err = %v, want transient", err)
	}

	status = http.StatusUnauthorized
	_, err = o.EmbedTexts(context.Background(), []string{"x"})
	if err == nil || retry.IsTransient(err) {
		t.Errorf("401 err = %v, want permanent", err)
	}
}
