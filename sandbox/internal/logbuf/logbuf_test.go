package logbuf

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestWriteAndReadSince(t *testing.T) {
	b := New(64)
	b.Write([]byte("hello "))
	b.Write([]byte("world"))

	out, off, dropped := b.ReadSince(0)
	if string(out) != "hello world" {
		t.Errorf("ReadSince(0) = %q", out)
	}
	if off != 11 {
		t.Errorf("newOffset = %d, want 11", off)
	}
	if dropped != 0 {
		t.Errorf("droppedBefore = %d, want 0", dropped)
	}

	out, off2, _ := b.ReadSince(off)
	if len(out) != 0 || off2 != off {
		t.Errorf("ReadSince(end) = %q, %d", out, off2)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(8)
	b.Write([]byte("abcdefgh"))
	b.Write([]byte("XY"))

	out, off, dropped := b.ReadSince(0)
	if string(out) != "cdefghXY" {
		t.Errorf("contents = %q, want cdefghXY", out)
	}
	if off != 10 {
		t.Errorf("offset = %d, want 10", off)
	}
	if dropped != 2 {
		t.Errorf("droppedBefore = %d, want 2", dropped)
	}
}

func TestOversizedWriteKeepsTail(t *testing.T) {
	b := New(4)
	b.Write([]byte("0123456789"))

	out, off, _ := b.ReadSince(0)
	if string(out) != "6789" {
		t.Errorf("contents = %q, want 6789", out)
	}
	if off != 10 {
		t.Errorf("offset = %d, want 10", off)
	}
}

func TestReadSinceMiddle(t *testing.T) {
	b := New(64)
	b.Write([]byte("0123456789"))

	out, off, dropped := b.ReadSince(4)
	if string(out) != "456789" || off != 10 || dropped != 0 {
		t.Errorf("ReadSince(4) = %q, %d, %d", out, off, dropped)
	}
}

func TestWrapAround(t *testing.T) {
	b := New(8)
	for i := 0; i < 10; i++ {
		b.Write([]byte("ab"))
	}
	out, off, _ := b.ReadSince(0)
	if string(out) != strings.Repeat("ab", 4) {
		t.Errorf("contents = %q", out)
	}
	if off != 20 {
		t.Errorf("offset = %d, want 20", off)
	}
}

func TestWaitWakesOnWrite(t *testing.T) {
	b := New(64)
	done := make(chan bool, 1)
	go func() {
		done <- b.Wait(context.Background(), 0)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Write([]byte("x"))

	select {
	case ok := <-done:
		if !ok {
			t.Error("Wait = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake on write")
	}
}

func TestWaitReturnsFalseOnClose(t *testing.T) {
	b := New(64)
	done := make(chan bool, 1)
	go func() {
		done <- b.Wait(context.Background(), 0)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Wait = true after close with no data")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not wake on close")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	b := New(64)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if b.Wait(ctx, 0) {
		t.Error("Wait = true on context timeout")
	}
}

func TestConcurrentReaders(t *testing.T) {
	b := New(1024)
	payload := bytes.Repeat([]byte("z"), 100)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for i := 0; i < 10; i++ {
			b.Write(payload)
		}
		b.Close()
	}()

	readers := 4
	results := make(chan int64, readers)
	for i := 0; i < readers; i++ {
		go func() {
			var total int64
			var off int64
			for b.Wait(context.Background(), off) {
				out, next, _ := b.ReadSince(off)
				total += int64(len(out))
				off = next
			}
			out, _, _ := b.ReadSince(off)
			total += int64(len(out))
			results <- total
		}()
	}

	<-writeDone
	for i := 0; i < readers; i++ {
		select {
		case <-results:
		case <-time.After(2 * time.Second):
			t.Fatal("reader did not finish")
		}
	}
}
