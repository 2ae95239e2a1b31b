package notifications

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestGormStoreOrdersUnreadNewestFirst(testContext *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testContext.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		testContext.Fatalf("failed to migrate notifications: %v", err)
	}
	store, err := NewGormStore(db)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	var saved []Record
	for index, username := range []string{"alice", "alice", "bob", "alice"} {
		record, err := store.Save(ctx, Record{
			Username:  username,
			EventName: "note",
			DataJSON:  fmt.Sprintf(`{"n":%d}`, index),
			Timestamp: base.Add(time.Duration(index%2) * time.Minute),
		})
		if err != nil {
			testContext.Fatalf("failed to save record %d: %v", index, err)
		}
		if record.ID == 0 {
			testContext.Fatalf("expected an assigned id for record %d", index)
		}
		saved = append(saved, record)
	}

	unread, err := store.FindUnreadByUser(ctx, "alice")
	if err != nil {
		testContext.Fatalf("failed to list unread: %v", err)
	}
	expected := []int64{saved[3].ID, saved[1].ID, saved[0].ID}
	if len(unread) != len(expected) {
		testContext.Fatalf("expected %d unread records, got %d", len(expected), len(unread))
	}
	for index, record := range unread {
		if record.ID != expected[index] {
			testContext.Fatalf("unexpected order at %d: got id %d want %d", index, record.ID, expected[index])
		}
	}

	if err := store.DeleteByID(ctx, saved[0].ID); err != nil {
		testContext.Fatalf("failed to delete: %v", err)
	}
	if _, found, err := store.FindByID(ctx, saved[0].ID); err != nil || found {
		testContext.Fatalf("expected record to be removed, found=%v err=%v", found, err)
	}
}
