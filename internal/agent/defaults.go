package agent

import "fmt"

const groundingRules = `Answer using only the passages under [Retrieved Context].
If they do not contain the answer, say that you could not find it in the documents.
Do not use outside knowledge and never cite the source of the response.`

func persona(key, name, filter, focus string) Agent {
	return Agent{
		Key:          key,
		Name:         "agent" + name,
		DisplayName:  name,
		Description:  focus,
		Filter:       filter,
		Instructions: fmt.Sprintf("You are %s, a practical advisor on %s.\n%s", name, focus, groundingRules),
	}
}

// Defaults returns the built-in agents. Each persona only searches the
// documents tagged with its own name.
func Defaults() []Agent {
	return []Agent{
		{
			Key:          DefaultAgent,
			Name:         "ResearchAssistantAgent",
			DisplayName:  "Research Assistant",
			Description:  "General questions over the whole knowledge base.",
			Instructions: "You are a helpful research assistant.\n" + groundingRules,
		},
		persona("alexAgent", "Alex", "ALEX", "growing and scaling a plumbing business, strategy and pricing"),
		persona("benAgent", "Ben", "BEN", "building and managing a vehicle fleet for a plumbing business"),
		persona("chloeAgent", "Chloe", "CHLOE", "digital marketing for plumbing businesses"),
		persona("EliseAgent", "Elise", "ELISE", "plumbing business finance, P&L analysis and Profit First"),
		persona("jakeAgent", "Jake", "JAKE", "building a plumbing team, service calls, scheduling and SOPs"),
		persona("lucyAgent", "Lucy", "LUCY", "building plumbing price books and sales strategy"),
		persona("nathanAgent", "Nathan", "NATHAN", "setting up and using ServiceTitan for a plumbing business"),
	}
}
