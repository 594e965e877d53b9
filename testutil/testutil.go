package testutil

import (
	"context"
	"os"
	"time"

	"github.com/autom8ter/syncq"
	"github.com/brianvoe/gofakeit/v6"
)

const (
	UserCollection = "user"
	TaskCollection = "task"
	TestDatabase   = "testing"
)

func NewUserDoc() *syncq.Document {
	doc, err := syncq.NewDocumentFrom(map[string]interface{}{
		"_id":  gofakeit.UUID(),
		"name": gofakeit.Name(),
		"contact": map[string]interface{}{
			"email": gofakeit.Email(),
		},
		"account_id":      gofakeit.IntRange(0, 100),
		"language":        gofakeit.Language(),
		"birthday_month":  gofakeit.Month(),
		"favorite_number": gofakeit.Second(),
		"gender":          gofakeit.Gender(),
		"age":             gofakeit.IntRange(0, 100),
	})
	if err != nil {
		panic(err)
	}
	return doc
}

func NewTaskDoc(usrID string) *syncq.Document {
	doc, err := syncq.NewDocumentFrom(map[string]interface{}{
		"_id":     gofakeit.UUID(),
		"user":    usrID,
		"content": gofakeit.LoremIpsumSentence(5),
	})
	if err != nil {
		panic(err)
	}
	return doc
}

// Open opens an engine stored in dir. An empty dir runs it in memory.
func Open(ctx context.Context, dir string, opts ...syncq.Opt) (*syncq.Engine, error) {
	return syncq.New(ctx, syncq.Config{
		Database: TestDatabase,
		Provider: "badger",
		Params: map[string]any{
			"storage_path": dir,
		},
		LogLevel: "error",
	}, append([]syncq.Opt{syncq.WithBackoff(FastBackoff)}, opts...)...)
}

// FastBackoff retries quickly enough for tests
var FastBackoff = syncq.ExponentialBackoff{
	Initial:    5 * time.Millisecond,
	Max:        50 * time.Millisecond,
	Multiplier: 2,
}

// TestEngine runs fn against an in-memory engine
func TestEngine(fn func(ctx context.Context, e *syncq.Engine), opts ...syncq.Opt) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e, err := Open(ctx, "", opts...)
	if err != nil {
		return err
	}
	defer e.Close(ctx)
	fn(ctx, e)
	return nil
}

// TestDir runs fn with a temporary storage directory that is removed afterwards
func TestDir(fn func(dir string)) error {
	os.MkdirAll("tmp", 0700)
	dir, err := os.MkdirTemp("./tmp", "")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	fn(dir)
	return nil
}

// WaitFor polls cond until it returns true or the timeout elapses
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
