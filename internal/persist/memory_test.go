/*
Copyright 2025 The Modelwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package persist

import (
	"testing"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	if has, _ := store.Has("11111111-1111-4111-8111-111111111111"); has {
		t.Fatal("empty store must not report documents")
	}

	if err := store.Put(Document{UUID: "11111111-1111-4111-8111-111111111111", ClsName: "Thing", Data: []byte(`{"a":1}`)}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(Document{UUID: "22222222-2222-4222-8222-222222222222", ClsName: "Thing", Data: []byte(`{"b":2}`)}); err != nil {
		t.Fatal(err)
	}

	if err := store.Put(Document{UUID: "AAAAAAAA-3333-4333-8333-333333333333", ClsName: "Thing", Data: []byte(`{}`)}); err != nil {
		t.Fatal(err)
	}

	if has, _ := store.Has("11111111-1111-4111-8111-111111111111"); !has {
		t.Fatal("document not found")
	}

	// lookups are case-insensitive, documents are stored lowercased
	if has, _ := store.Has("aaaaaaaa-3333-4333-8333-333333333333"); !has {
		t.Fatal("case-insensitive lookup failed")
	}
	if has, _ := store.Has("AAAAAAAA-3333-4333-8333-333333333333"); !has {
		t.Fatal("case-insensitive lookup failed")
	}

	doc, err := store.Get("11111111-1111-4111-8111-111111111111")
	if err != nil || doc == nil || doc.ClsName != "Thing" {
		t.Fatalf("unexpected document %v (%v)", doc, err)
	}

	docs, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 || docs[0].UUID != "11111111-1111-4111-8111-111111111111" {
		t.Fatalf("expected insertion order, got %v", docs)
	}

	if err := store.Delete("11111111-1111-4111-8111-111111111111"); err != nil {
		t.Fatal(err)
	}
	docs, _ = store.List()
	if len(docs) != 2 {
		t.Fatalf("expected two documents after delete, got %d", len(docs))
	}

	// deleting a missing document is a no-op
	if err := store.Delete("11111111-1111-4111-8111-111111111111"); err != nil {
		t.Fatal(err)
	}
}
