package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "chats.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateGetRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	created, err := st.Create(ctx, "builders_chat", "", 77)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != StatusTest {
		t.Fatalf("default status = %s, want test", created.Status)
	}

	byID, err := st.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if byID.Name != "builders_chat" || byID.ChannelID != 77 {
		t.Fatalf("GetByID = %+v", byID)
	}

	byName, err := st.GetByName(ctx, "builders_chat")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if byName.ID != created.ID {
		t.Fatalf("GetByName id = %d, want %d", byName.ID, created.ID)
	}

	if _, err := st.GetByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByID(unknown): err = %v, want ErrNotFound", err)
	}
}

func TestListByStatusOrdered(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	names := []string{"alpha", "beta", "gamma"}
	for _, n := range names {
		if _, err := st.Create(ctx, n, StatusTest, 0); err != nil {
			t.Fatalf("Create(%s): %v", n, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct created_at ordering
	}
	if _, err := st.Create(ctx, "other", StatusSecond, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := st.ListByStatus(ctx, StatusTest)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListByStatus = %d chats, want 3", len(got))
	}
	for i, n := range names {
		if got[i].Name != n {
			t.Fatalf("order mismatch at %d: %s, want %s", i, got[i].Name, n)
		}
	}
}

func TestUpdatePartial(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	c, err := st.Create(ctx, "candidate", StatusTest, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	second := StatusSecond
	updated, err := st.Update(ctx, c.ID, Patch{Status: &second})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != StatusSecond || updated.Name != "candidate" {
		t.Fatalf("Update = %+v", updated)
	}

	ch := int64(123)
	updated, err = st.Update(ctx, c.ID, Patch{ChannelID: &ch})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.ChannelID != 123 || updated.Status != StatusSecond {
		t.Fatalf("Update = %+v", updated)
	}

	if _, err := st.Update(ctx, 9999, Patch{Status: &second}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update(unknown): err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	c, err := st.Create(ctx, "doomed", StatusBad, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := st.Delete(ctx, c.ID)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v; want true, nil", ok, err)
	}
	ok, err = st.Delete(ctx, c.ID)
	if err != nil || ok {
		t.Fatalf("second Delete = %v, %v; want false, nil", ok, err)
	}
}

func TestUniqueName(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.Create(ctx, "dup", StatusTest, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Create(ctx, "dup", StatusTest, 0); err == nil {
		t.Fatal("duplicate name accepted")
	}
}
