package workerpool

import (
	"errors"
	"testing"
)

func TestPool_SubmitGet(t *testing.T) {
	p, err := New(4)
	if err != nil {
		t.Fatalf("New() err: %v", err)
	}
	defer p.Release()

	fu := p.Submit(func() (interface{}, error) {
		return "ok", nil
	})
	val, err := fu.Get()
	if err != nil {
		t.Fatalf("Get() err: %v", err)
	}
	if val != "ok" {
		t.Fatalf("Get() val = %v, want ok", val)
	}
}

func TestPool_SubmitError(t *testing.T) {
	p, err := New(2)
	if err != nil {
		t.Fatalf("New() err: %v", err)
	}
	defer p.Release()

	want := errors.New("boom")
	fu := p.Submit(func() (interface{}, error) {
		return nil, want
	})
	val, err := fu.Get()
	if val != nil {
		t.Fatalf("Get() val = %v, want nil", val)
	}
	if err != want {
		t.Fatalf("Get() err = %v, want %v", err, want)
	}
}

func TestPool_RecoversPanic(t *testing.T) {
	p, err := New(2)
	if err != nil {
		t.Fatalf("New() err: %v", err)
	}
	defer p.Release()

	fu := p.Submit(func() (interface{}, error) {
		var s []int
		_ = s[0]
		return nil, nil
	})
	_, err = fu.Get()
	if err == nil {
		t.Fatal("Get() err = nil, want panic surfaced as error")
	}
}

func TestPool_SizeReportsBound(t *testing.T) {
	const size = 3
	p, err := New(size)
	if err != nil {
		t.Fatalf("New() err: %v", err)
	}
	defer p.Release()

	if got := p.Size(); got != size {
		t.Fatalf("Size() = %d, want %d", got, size)
	}
}
