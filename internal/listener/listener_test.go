package listener

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"nikobus-gateway/internal/modulecache"
)

type fakeReader struct {
	lines []string
	i     int
}

func (f *fakeReader) ReadLine(ctx context.Context) (string, error) {
	if f.i >= len(f.lines) {
		return "", io.EOF
	}
	line := f.lines[f.i]
	f.i++
	return line, nil
}

type fakeButtons struct{ addrs []string }

func (f *fakeButtons) HandleButtonFrame(addr string) { f.addrs = append(f.addrs, addr) }

type fakeScheduler struct {
	ackHits, answerHits []string
	ackMatch, answerMatch bool
}

func (f *fakeScheduler) TryAck(line string) bool {
	f.ackHits = append(f.ackHits, line)
	return f.ackMatch
}

func (f *fakeScheduler) TryAnswer(line string) bool {
	f.answerHits = append(f.answerHits, line)
	return f.answerMatch
}

type fakeInventory struct{ chunks []string }

func (f *fakeInventory) HandleInventoryChunk(line string) { f.chunks = append(f.chunks, line) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache() *modulecache.Cache {
	c := modulecache.New(discardLogger(), nil)
	c.RegisterModule("4707", modulecache.TypeSwitch, 6)
	return c
}

func runAll(t *testing.T, l *Listener, lines []string) {
	t.Helper()
	r := l.reader.(*fakeReader)
	r.lines = lines
	if err := l.Run(context.Background()); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("Run: %v", err)
	}
}

func TestButtonFrameRoutedToButtonSink(t *testing.T) {
	buttons := &fakeButtons{}
	l := New(&fakeReader{}, newTestCache(), buttons, &fakeScheduler{}, nil, discardLogger())
	runAll(t, l, []string{"#N4ECB1A"})

	if len(buttons.addrs) != 1 || buttons.addrs[0] != "4ECB1A" {
		t.Errorf("addrs = %v", buttons.addrs)
	}
}

func TestFeedbackAnswerAppliesAfterRefreshHint(t *testing.T) {
	cache := newTestCache()
	l := New(&fakeReader{}, cache, &fakeButtons{}, &fakeScheduler{}, nil, discardLogger())

	runAll(t, l, []string{
		"$0512",
		"$1C074700FF0000000000CCAEA3",
	})

	v, err := cache.Get("4707", 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 0xFF {
		t.Errorf("channel 1 = %#x, want 0xFF", v)
	}
	v2, err := cache.Get("4707", 2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v2 != 0x00 {
		t.Errorf("channel 2 = %#x, want 0x00", v2)
	}
}

func TestFeedbackAnswerWithoutHintDefaultsToGroup1(t *testing.T) {
	cache := newTestCache()
	l := New(&fakeReader{}, cache, &fakeButtons{}, &fakeScheduler{}, nil, discardLogger())

	runAll(t, l, []string{"$1C074700FF0000000000CCAEA3"})

	v, err := cache.Get("4707", 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 0xFF {
		t.Errorf("channel 1 = %#x, want 0xFF", v)
	}
}

func TestAckFrameOfferedToScheduler(t *testing.T) {
	sched := &fakeScheduler{ackMatch: true}
	l := New(&fakeReader{}, newTestCache(), &fakeButtons{}, sched, nil, discardLogger())

	runAll(t, l, []string{"$050B1107470011"})

	if len(sched.ackHits) != 1 {
		t.Errorf("ackHits = %v, want 1 entry", sched.ackHits)
	}
}

func TestUnmatchedAnswerFallsThroughToInventory(t *testing.T) {
	inv := &fakeInventory{}
	sched := &fakeScheduler{}
	l := New(&fakeReader{}, newTestCache(), &fakeButtons{}, sched, inv, discardLogger())

	runAll(t, l, []string{"$0510$2E0747"})

	if len(inv.chunks) != 1 {
		t.Errorf("chunks = %v, want 1 entry", inv.chunks)
	}
}
