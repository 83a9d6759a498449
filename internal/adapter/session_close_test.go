package adapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/beamcode/beamcode/internal/unified"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

func newTestGeminiSession() *geminiSession {
	return &geminiSession{
		sessionID:  "s1",
		logger:     discardLogger(),
		cmd:        &exec.Cmd{},
		stdin:      nopWriteCloser{},
		msgs:       make(chan unified.Message, 4),
		done:       make(chan struct{}),
		pending:    make(map[int64]chan rpcReply),
		serverReqs: make(map[string]json.RawMessage),
	}
}

// Close must not race message delivery into a panic. Hammer deliver from
// several goroutines while Close runs, with nobody draining the channel so
// sends stay blocked at the moment the session tears down.
func TestGeminiSessionCloseDuringDelivery(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := newTestGeminiSession()

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					s.deliver(unified.Message{Type: unified.TypeStreamEvent})
				}
			}()
		}
		go s.Close()
		wg.Wait()
		s.Close()

		// After Close the stream must terminate for its consumer.
		for range s.msgs {
		}
	}
}

func TestGeminiSessionDeliverAfterCloseDrops(t *testing.T) {
	s := newTestGeminiSession()
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	s.deliver(unified.Message{Type: unified.TypeResult})

	select {
	case _, ok := <-s.msgs:
		if ok {
			t.Fatal("message delivered after close")
		}
	case <-time.After(time.Second):
		t.Fatal("message channel not closed")
	}
}

func TestClaudeSessionCloseDuringDelivery(t *testing.T) {
	a := NewClaudeAdapter(nil, discardLogger(), nil)
	for i := 0; i < 50; i++ {
		backend, err := a.Connect(context.Background(), ConnectOptions{SessionID: "s1"})
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		s := backend.(*claudeSession)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					s.deliver(unified.Message{Type: unified.TypeAssistant})
				}
			}()
		}
		go s.Close()
		wg.Wait()
		s.Close()

		for range s.Messages() {
		}
	}
}
