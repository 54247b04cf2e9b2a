package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/festnoze/voice-gateway/internal/booking"
	"github.com/festnoze/voice-gateway/internal/llm"
	"github.com/festnoze/voice-gateway/internal/metrics"
	"github.com/festnoze/voice-gateway/internal/stt"
)

// Next names the node the dispatcher runs after the current one.
type Next string

const (
	NextGreet    Next = "greet"
	NextAwait    Next = "await"
	NextClassify Next = "classify"
	NextExtract  Next = "extract"
	NextRetrieve Next = "retrieve"
	NextBook     Next = "book"
	NextClose    Next = "close"
	NextDone     Next = "done"
)

// Node is one step of the conversation graph.
type Node func(ctx context.Context, st *State, deps *Deps) (Next, error)

// ChatModel is the LLM surface the nodes use.
type ChatModel interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
	GenerateJSON(ctx context.Context, messages []llm.Message, schemaName string, schema map[string]any, out any) error
	Stream(ctx context.Context, messages []llm.Message) (<-chan string, <-chan error)
}

// Retriever streams knowledge-base answers. A nil Retriever makes
// question turns fall back to the plain LLM.
type Retriever interface {
	QueryStream(ctx context.Context, conversationID uuid.UUID, query string) (<-chan string, <-chan error)
}

// Deps are the collaborators a node may call. Say enqueues reply text
// on the outgoing audio queue; Hangup drains it and ends the call.
type Deps struct {
	LLM      ChatModel
	RAG      Retriever
	Calendar booking.Calendar
	Leads    booking.Leads

	Utterances <-chan stt.Utterance

	// Interrupts signals a successful barge-in. A streaming reply
	// stops consuming tokens when one arrives; nil disables it.
	Interrupts <-chan struct{}

	Say    func(text string, interruptible bool)
	Hangup func(ctx context.Context) error

	CallID          string
	CallerNumber    string
	RAGConversation uuid.UUID

	IdleTimeout  time.Duration
	FarewellText string

	// OnFirstToken fires when the first model or RAG token of a turn
	// arrives, for latency stamps.
	OnFirstToken func()

	Streak *Streak
	Log    zerolog.Logger
	Met    *metrics.Metrics
}

// nodes is the dispatch table.
var nodes = map[Next]Node{
	NextGreet:    greetNode,
	NextAwait:    awaitNode,
	NextClassify: classifyNode,
	NextExtract:  extractNode,
	NextRetrieve: retrieveNode,
	NextBook:     bookNode,
	NextClose:    closeNode,
}

// Run drives the graph from Greet until Close finishes or ctx ends.
// Node errors feed the failure streak; crossing the limit forces Close
// with an apology.
func Run(ctx context.Context, st *State, deps *Deps) error {
	if deps.Streak == nil {
		deps.Streak = NewStreak(3)
	}
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = 15 * time.Second
	}

	cur := NextGreet
	for cur != NextDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		node, ok := nodes[cur]
		if !ok {
			deps.Log.Error().Str("node", string(cur)).Msg("unknown node, closing")
			cur = NextClose
			continue
		}

		next, err := node(ctx, st, deps)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			deps.Streak.Fail()
			if deps.Met != nil {
				deps.Met.RecordNodeError(string(cur))
			}
			deps.Log.Warn().Err(err).
				Str("node", string(cur)).
				Int("streak", deps.Streak.Count()).
				Msg("node failed")
			if deps.Streak.Exceeded() {
				st.PendingConfirmation = ""
				st.CurrentIntent = IntentEnd
				apologize(st, deps)
				cur = NextClose
				continue
			}
			cur = NextAwait
			continue
		}
		if cur != NextAwait {
			deps.Streak.Succeed()
		}
		cur = next
	}
	return nil
}

func apologize(st *State, deps *Deps) {
	const text = "I'm sorry, I'm having trouble on my end. Let me free up your time and we'll call you back shortly."
	deps.Say(text, false)
	st.AppendAssistant(text)
	st.farewellSaid = true
	if deps.Met != nil {
		deps.Met.StreakTripped.Inc()
	}
}
