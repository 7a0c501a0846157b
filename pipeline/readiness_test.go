package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/getcharzp/sam2-studio"
)

func TestReadiness_Pending(t *testing.T) {
	r := NewReadiness()
	if _, err := r.Engine(); !errors.Is(err, vision.ErrModelNotLoaded) {
		t.Fatalf("err = %v", err)
	}
	if r.LoadTime() != 0 {
		t.Fatal("load time before resolve")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("wait err = %v", err)
	}
}

func TestReadiness_Load(t *testing.T) {
	engine := &fakeEngine{}
	r := Load(func() (Engine, error) { return engine, nil })

	got, err := r.Wait(context.Background())
	if err != nil || got != engine {
		t.Fatalf("wait = %v, %v", got, err)
	}
	if got, err := r.Engine(); err != nil || got != engine {
		t.Fatalf("engine = %v, %v", got, err)
	}

	r.Resolve(nil, errors.New("ignored"))
	if _, err := r.Engine(); err != nil {
		t.Fatalf("second resolve took effect: %v", err)
	}
}

func TestReadiness_LoadFailed(t *testing.T) {
	cause := errors.New("找不到模型文件")
	r := Load(func() (Engine, error) { return nil, cause })
	<-r.Done()

	_, err := r.Engine()
	if !errors.Is(err, vision.ErrModelNotLoaded) || !errors.Is(err, cause) {
		t.Fatalf("err = %v", err)
	}
}
