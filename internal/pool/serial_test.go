package pool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSerial_ExecutesInOrder(t *testing.T) {
	s := NewSerial(64)
	defer s.Close()

	var order []int
	var last <-chan struct{}
	for i := 0; i < 50; i++ {
		n := i
		last = s.Submit(func() {
			order = append(order, n)
		})
	}

	// 等最后一个任务完成即可，顺序由单协程保证
	select {
	case <-last:
	case <-time.After(time.Second):
		t.Fatal("task did not complete")
	}

	assert.Len(t, order, 50)
	for i, n := range order {
		assert.Equal(t, i, n)
	}
}

func TestSerial_SubmitReturnsDoneSignal(t *testing.T) {
	s := NewSerial(8)
	defer s.Close()

	var ran atomic.Bool
	done := s.Submit(func() {
		ran.Store(true)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not complete")
	}
	assert.True(t, ran.Load())
}

func TestSerial_CloseDrainsQueue(t *testing.T) {
	s := NewSerial(8)

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		s.Submit(func() {
			count.Add(1)
		})
	}

	s.Close()
	assert.Equal(t, int32(5), count.Load())
}

func TestSerial_SubmitAfterCloseIsNoop(t *testing.T) {
	s := NewSerial(8)
	s.Close()

	done := s.Submit(func() {
		t.Fatal("task must not run after close")
	})

	// 关闭后提交的任务被丢弃，完成信号立即可读
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done signal not closed")
	}
}
