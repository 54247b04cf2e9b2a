package latency

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestTurnToRecordOffsets(t *testing.T) {
	base := time.Now()
	turn := Turn{
		CallID:            "CA1",
		Index:             2,
		FirstInboundFrame: base,
		STTFinal:          base.Add(900 * time.Millisecond),
		FirstToken:        base.Add(1400 * time.Millisecond),
		FirstTTSFrame:     base.Add(1700 * time.Millisecond),
		FirstOutbound:     base.Add(1720 * time.Millisecond),
	}
	rec := turn.ToRecord()
	if rec.STTFinalMS != 900 || rec.FirstTokenMS != 1400 || rec.FirstTTSMS != 1700 || rec.FirstOutMS != 1720 {
		t.Errorf("offsets = %+v", rec)
	}
	if rec.Turn != 2 || rec.CallID != "CA1" {
		t.Errorf("identity fields = %+v", rec)
	}
}

func TestTurnToRecordAbsentStages(t *testing.T) {
	turn := Turn{CallID: "CA1", FirstInboundFrame: time.Now()}
	rec := turn.ToRecord()
	if rec.STTFinalMS != -1 || rec.FirstTokenMS != -1 {
		t.Errorf("absent stages should serialize as -1, got %+v", rec)
	}
}

func TestTurnStages(t *testing.T) {
	base := time.Now()
	turn := Turn{
		FirstInboundFrame: base,
		STTFinal:          base.Add(time.Second),
		FirstToken:        base.Add(1500 * time.Millisecond),
	}
	stages := turn.Stages()
	if stages["stt_final"] != 1.0 {
		t.Errorf("stt_final = %f", stages["stt_final"])
	}
	if stages["first_token"] != 0.5 {
		t.Errorf("first_token = %f", stages["first_token"])
	}
	if _, ok := stages["first_outbound"]; ok {
		t.Error("absent stage should not be reported")
	}
}

func TestWriterAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	base := time.Now()
	for i := 0; i < 3; i++ {
		turn := Turn{CallID: "CA1", Index: i, FirstInboundFrame: base, STTFinal: base.Add(time.Second)}
		if err := w.Write(turn.ToRecord()); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if rec.Turn != lines {
			t.Errorf("line %d has turn %d", lines, rec.Turn)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("lines = %d, want 3", lines)
	}
}
