package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"sportsfeed/internal/ledger"
)

type fakeRecorder struct {
	events []ledger.Event
}

func (f *fakeRecorder) Record(ctx context.Context, e ledger.Event) (ledger.Outcome, error) {
	if err := e.Validate(time.UnixMilli(e.Timestamp)); err != nil {
		return ledger.Dropped, err
	}
	f.events = append(f.events, e)
	return ledger.Accepted, nil
}

func TestHandleMessage(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		wantErr    bool
		wantSource ledger.Source
	}{
		{"server default", `{"viewerId":"u:1","articleId":"a1","timestamp":1773489600000}`, false, ledger.SourceServer},
		{"explicit client", `{"viewerId":"d:x","articleId":"a1","timestamp":1773489600000,"source":"client"}`, false, ledger.SourceClient},
		{"not json", `viewed a1`, true, ""},
		{"bad viewer", `{"viewerId":"1","articleId":"a1","timestamp":1773489600000}`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			out, err := HandleMessage(context.Background(), rec, []byte(tt.value))
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ledger.ErrMalformed) {
					t.Errorf("error %v does not wrap ErrMalformed", err)
				}
				return
			}
			if out != ledger.Accepted || len(rec.events) != 1 || rec.events[0].Source != tt.wantSource {
				t.Errorf("outcome %v, events %+v", out, rec.events)
			}
		})
	}
}
