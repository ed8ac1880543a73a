package tunnel

import (
	"io"
	"slices"
	"strings"
	"testing"
)

func TestLineQueueMergesStreams(t *testing.T) {
	t.Parallel()

	q := NewLineQueue(16)
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	q.Attach(outR)
	q.Attach(errR)

	_, _ = io.WriteString(outW, "one\n")
	waitFor(t, func() bool { return q.Len() == 1 })
	_, _ = io.WriteString(errW, "two\r\npartial")
	_ = errW.Close()
	waitFor(t, func() bool { return q.Len() == 3 })

	if got := q.Drain(); !slices.Equal(got, []string{"one\n", "two\r\n", "partial"}) {
		t.Fatalf("unexpected lines %q", got)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("queue must be empty")
	}

	if _, err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := outW.Write([]byte("late\n")); err == nil {
		t.Fatal("writes after close must fail")
	}
}

func TestLineQueueCloseUnblocksFullQueue(t *testing.T) {
	t.Parallel()

	q := NewLineQueue(1)
	r := io.NopCloser(strings.NewReader("a\nb\nc\n"))
	q.Attach(r)
	waitFor(t, func() bool { return q.Len() == 1 })

	left, err := q.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(left) != 1 || left[0] != "a\n" {
		t.Fatalf("unexpected remaining lines %q", left)
	}
	q.Attach(io.NopCloser(strings.NewReader("ignored\n")))
	if q.Len() != 0 {
		t.Fatal("attach after close must not read")
	}
}
