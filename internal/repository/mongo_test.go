package repository

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

func TestMongoReplaceFilter(t *testing.T) {
	cutoff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f := replaceFilter(report("105", 1, 4200), cutoff)

	if f["bus_id"] != "105" {
		t.Errorf("expected bus_id filter, got %v", f["bus_id"])
	}
	or, ok := f["$or"].(bson.A)
	if !ok || len(or) != 2 {
		t.Fatalf("expected two $or branches, got %#v", f["$or"])
	}
	ts := or[0].(bson.M)["timestamp"].(bson.M)["$lte"]
	if ts != int64(4200) {
		t.Errorf("expected timestamp bound 4200, got %v", ts)
	}
	created := or[1].(bson.M)["created_at"].(bson.M)["$lte"]
	if created != cutoff {
		t.Errorf("expected created_at bound %v, got %v", cutoff, created)
	}
}
