package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/festnoze/voice-gateway/internal/booking"
	"github.com/festnoze/voice-gateway/internal/llm"
)

const greetingText = "Hello, thank you for calling. I can answer questions about our training programs or book you an appointment with an advisor. How can I help?"

const nudgeText = "Are you still there? Take your time, I'm listening."

const defaultFarewell = "Thank you for calling. Goodbye!"

const classifyPrompt = `You route a phone conversation. Read the exchange and answer with exactly one word, the caller's current goal:
appointment - the caller wants to book, move or discuss a meeting
question - the caller asks about programs, prices, schedules or anything factual
end - the caller wants to hang up or says goodbye
chitchat - anything else
One word only.`

const chatPrompt = `You are a warm, concise phone assistant for an education provider. Answer in one or two short spoken sentences. No lists, no markdown.`

const extractPrompt = `Extract booking details from the conversation. Return name (the caller's name), topic (what the meeting is about) and preferred_slot (the desired date and time, formatted as YYYY-MM-DD HH:MM, 24 hour clock). Use an empty string for anything the caller has not said yet.`

var slotLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	time.RFC3339,
}

func greetNode(ctx context.Context, st *State, deps *Deps) (Next, error) {
	deps.Say(greetingText, false)
	st.AppendAssistant(greetingText)
	return NextAwait, nil
}

func awaitNode(ctx context.Context, st *State, deps *Deps) (Next, error) {
	timer := time.NewTimer(deps.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return NextDone, ctx.Err()
		case utt, ok := <-deps.Utterances:
			if !ok {
				return NextClose, nil
			}
			text := strings.TrimSpace(utt.Text)
			if !utt.IsFinal || text == "" {
				continue
			}
			st.nudged = false
			st.UserInput = text
			st.AppendUser(text, utt.AudioDuration)
			return NextClassify, nil
		case <-timer.C:
			if st.nudged {
				deps.Log.Info().Msg("caller idle twice, closing")
				st.CurrentIntent = IntentEnd
				return NextClose, nil
			}
			st.nudged = true
			deps.Say(nudgeText, true)
			st.AppendAssistant(nudgeText)
			timer.Reset(deps.IdleTimeout)
		}
	}
}

func classifyNode(ctx context.Context, st *State, deps *Deps) (Next, error) {
	msgs := historyMessages(st, classifyPrompt)
	reply, err := deps.LLM.Generate(ctx, msgs)
	if err != nil {
		return NextAwait, fmt.Errorf("classify: %w", err)
	}

	st.CurrentIntent = parseIntent(reply)
	if deps.Met != nil {
		deps.Met.RecordIntent(string(st.CurrentIntent))
	}
	deps.Log.Debug().Str("intent", string(st.CurrentIntent)).Str("input", st.UserInput).Msg("intent classified")

	switch st.CurrentIntent {
	case IntentEnd:
		return NextClose, nil
	case IntentAppointment:
		return NextExtract, nil
	default:
		// Questions and small talk both answer through Retrieve; the
		// node falls back to the plain model when no knowledge base is
		// configured or the turn is chitchat.
		return NextRetrieve, nil
	}
}

// parseIntent scans the model output for every known label and keeps
// the most specific match.
func parseIntent(reply string) Intent {
	reply = strings.ToLower(reply)
	best := IntentChitchat
	for _, in := range []Intent{IntentQuestion, IntentAppointment, IntentEnd} {
		if strings.Contains(reply, string(in)) && intentRank(in) > intentRank(best) {
			best = in
		}
	}
	return best
}

func extractNode(ctx context.Context, st *State, deps *Deps) (Next, error) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":           map[string]any{"type": "string"},
			"topic":          map[string]any{"type": "string"},
			"preferred_slot": map[string]any{"type": "string"},
		},
		"required":             []string{"name", "topic", "preferred_slot"},
		"additionalProperties": false,
	}

	var got Entities
	msgs := historyMessages(st, extractPrompt)
	if err := deps.LLM.GenerateJSON(ctx, msgs, "booking_details", schema, &got); err != nil {
		return NextAwait, fmt.Errorf("extract: %w", err)
	}

	// Merge without erasing slots already captured.
	if got.Name != "" {
		st.Entities.Name = got.Name
	}
	if got.Topic != "" {
		st.Entities.Topic = got.Topic
	}
	if got.PreferredSlot != "" {
		st.Entities.PreferredSlot = got.PreferredSlot
		st.PendingConfirmation = ""
	}

	if missing := st.Entities.Missing(); missing != "" {
		followUp := followUpFor(missing, st.PendingConfirmation)
		deps.Say(followUp, true)
		st.AppendAssistant(followUp)
		return NextAwait, nil
	}
	return NextBook, nil
}

func followUpFor(missing, pending string) string {
	if pending != "" {
		return pending
	}
	switch missing {
	case "name":
		return "Of course. May I have your name, please?"
	case "topic":
		return "What would you like the appointment to be about?"
	default:
		return "When would suit you best? A date and a time, please."
	}
}

func retrieveNode(ctx context.Context, st *State, deps *Deps) (Next, error) {
	defer func() { st.CurrentIntent = IntentNone }()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tokens <-chan string
	var errCh <-chan error
	if deps.RAG != nil && st.CurrentIntent == IntentQuestion {
		tokens, errCh = deps.RAG.QueryStream(streamCtx, deps.RAGConversation, st.UserInput)
	} else {
		tokens, errCh = deps.LLM.Stream(streamCtx, historyMessages(st, chatPrompt))
	}
	return speakTokens(cancel, tokens, errCh, st, deps)
}

// speakTokens flushes a token stream to the speaker sentence by
// sentence so the first chunk of audio starts while the rest is still
// streaming. A barge-in signal cancels the stream and hands the turn
// back to the caller.
func speakTokens(cancel context.CancelFunc, tokens <-chan string, errCh <-chan error, st *State, deps *Deps) (Next, error) {
	// A signal left over from an earlier reply must not cut this one.
	select {
	case <-deps.Interrupts:
	default:
	}

	var full, pending strings.Builder
	first := true
	for {
		select {
		case <-deps.Interrupts:
			cancel()
			for range tokens {
			}
			<-errCh
			st.AppendAssistant(full.String())
			deps.Log.Info().Msg("reply cut short by caller")
			return NextAwait, nil
		case tok, ok := <-tokens:
			if !ok {
				if err := <-errCh; err != nil {
					return NextAwait, fmt.Errorf("retrieve: %w", err)
				}
				if tail := strings.TrimSpace(pending.String()); tail != "" {
					deps.Say(tail, true)
				}
				st.AppendAssistant(full.String())
				return NextAwait, nil
			}
			if first {
				first = false
				if deps.OnFirstToken != nil {
					deps.OnFirstToken()
				}
			}
			pending.WriteString(tok)
			full.WriteString(tok)
			if done, rest := completeSentences(pending.String()); len(done) > 0 {
				for _, sentence := range done {
					deps.Say(sentence, true)
				}
				pending.Reset()
				pending.WriteString(rest)
			}
		}
	}
}

// completeSentences splits text at sentence punctuation, returning the
// finished sentences and the unfinished tail.
func completeSentences(text string) (done []string, rest string) {
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		switch r {
		case '.', '!', '?', '\n':
			if s := strings.TrimSpace(b.String()); s != "" {
				done = append(done, s)
			}
			b.Reset()
		}
	}
	return done, b.String()
}

func bookNode(ctx context.Context, st *State, deps *Deps) (Next, error) {
	if deps.Calendar == nil {
		const text = "I'm sorry, I can't manage the calendar right now. An advisor will call you back to settle the time."
		deps.Say(text, true)
		st.AppendAssistant(text)
		st.CurrentIntent = IntentNone
		return NextAwait, nil
	}

	want, err := parseSlot(st.Entities.PreferredSlot)
	if err != nil {
		st.Entities.PreferredSlot = ""
		st.PendingConfirmation = "I didn't quite catch the time. Could you give me the date and the hour again?"
		return NextExtract, nil
	}

	slots, err := deps.Calendar.Availability(ctx, want)
	if err != nil {
		return NextAwait, fmt.Errorf("book: availability: %w", err)
	}
	slot, ok := matchSlot(slots, want)
	if !ok {
		st.Entities.PreferredSlot = ""
		st.PendingConfirmation = offerAlternatives(slots)
		return NextExtract, nil
	}

	appt, err := deps.Calendar.Book(ctx, slot, st.Entities.Name, st.Entities.Topic,
		booking.IdempotencyKey(deps.CallID, "calendar"))
	if err != nil {
		if errors.Is(err, booking.ErrSlotConflict) {
			st.Entities.PreferredSlot = ""
			st.PendingConfirmation = offerAlternatives(slots)
			return NextExtract, nil
		}
		return NextAwait, fmt.Errorf("book: %w", err)
	}

	if deps.Leads != nil {
		lead := booking.Lead{Name: st.Entities.Name, Phone: deps.CallerNumber, Topic: st.Entities.Topic}
		if err := deps.Leads.Submit(ctx, lead, booking.IdempotencyKey(deps.CallID, "lead")); err != nil {
			// The booking stands even when the CRM is down.
			deps.Log.Warn().Err(err).Msg("lead submit failed")
		}
	}

	confirm := fmt.Sprintf("You're all set, %s. Your appointment about %s is booked for %s. Anything else?",
		st.Entities.Name, st.Entities.Topic, appt.Slot.Start.Format("Monday January 2 at 15:04"))
	deps.Say(confirm, true)
	st.AppendAssistant(confirm)
	deps.Log.Info().Str("appointment_id", appt.ID).Time("start", appt.Slot.Start).Msg("appointment booked")

	st.CurrentIntent = IntentNone
	st.PendingConfirmation = ""
	return NextAwait, nil
}

func parseSlot(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range slotLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("agent: unparseable slot %q", s)
}

// matchSlot finds the offered slot containing the requested start.
func matchSlot(slots []booking.Slot, want time.Time) (booking.Slot, bool) {
	for _, s := range slots {
		if s.Start.Equal(want) {
			return s, true
		}
		if want.After(s.Start) && want.Before(s.End) {
			return s, true
		}
	}
	return booking.Slot{}, false
}

func offerAlternatives(slots []booking.Slot) string {
	if len(slots) == 0 {
		return "That time is taken and I see nothing free that day. Could you give me another day and time?"
	}
	var parts []string
	for i, s := range slots {
		if i == 3 {
			break
		}
		parts = append(parts, s.Start.Format("Monday at 15:04"))
	}
	return "That time is taken. I could offer " + strings.Join(parts, ", or ") + ". What suits you?"
}

func closeNode(ctx context.Context, st *State, deps *Deps) (Next, error) {
	if !st.farewellSaid {
		st.farewellSaid = true
		farewell := deps.FarewellText
		if farewell == "" {
			farewell = defaultFarewell
		}
		deps.Say(farewell, false)
		st.AppendAssistant(farewell)
	}
	if deps.Hangup != nil {
		if err := deps.Hangup(ctx); err != nil {
			deps.Log.Warn().Err(err).Msg("hangup failed")
		}
	}
	return NextDone, nil
}

// historyMessages renders the conversation for the model: a system
// prompt followed by the alternating turns.
func historyMessages(st *State, system string) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: system}}
	for _, t := range st.History() {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Text})
	}
	return msgs
}
