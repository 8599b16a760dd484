package storage

import (
	"context"
	"errors"
	"testing"
)

func TestImageURLBuilderRewritesProviderURL(t *testing.T) {
	builder, err := NewImageURLBuilder("claw-decay.appspot.com", "/products/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := builder.URL("P1", "https://images-api.printify.com/mockup/abc/12345/front.png?camera_label=front")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://firebasestorage.googleapis.com/v0/b/claw-decay.appspot.com/o/products%2FP1%2Ffront.png?alt=media"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestImageURLBuilderWithoutPrefix(t *testing.T) {
	builder, err := NewImageURLBuilder("bucket", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	object, err := builder.ObjectPath("P2", "front.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if object != "P2/front.jpg" {
		t.Fatalf("unexpected object %s", object)
	}
}

func TestImageURLBuilderRejectsTraversal(t *testing.T) {
	builder, err := NewImageURLBuilder("bucket", "products")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := builder.URL("../P1", "https://x/a.png"); err == nil {
		t.Fatal("expected invalid product id to be rejected")
	}
	if _, err := builder.URL("P1", "https://x/"); err == nil {
		t.Fatal("expected url without file name to be rejected")
	}
	if _, err := NewImageURLBuilder("", "products"); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected errInvalidBucket, got %v", err)
	}
}

func TestFileNameFromURL(t *testing.T) {
	cases := map[string]string{
		"https://cdn.example.com/files/2025/07/shirt.png":        "shirt.png",
		"https://cdn.example.com/files/shirt%20back.png?size=10": "shirt back.png",
		"shirt.png?x=1":                                          "shirt.png",
		"": "",
	}
	for in, want := range cases {
		if got := FileNameFromURL(in); got != want {
			t.Errorf("FileNameFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMemoryCatalogStoreGenerations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCatalogStore()

	if _, _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	gen, err := store.Save(ctx, []byte(`{"data":[]}`), 0)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if _, err := store.Save(ctx, []byte(`{}`), 0); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected create-only save to fail once the object exists, got %v", err)
	}

	store.Put([]byte(`{"data":[{"id":"x"}]}`))
	if _, err := store.Save(ctx, []byte(`{}`), gen); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected stale generation to fail, got %v", err)
	}

	data, current, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != `{"data":[{"id":"x"}]}` {
		t.Fatalf("unexpected data %s", data)
	}
	if _, err := store.Save(ctx, []byte(`{"data":[]}`), current); err != nil {
		t.Fatalf("save with current generation: %v", err)
	}
	if store.Saves() != 2 {
		t.Fatalf("expected 2 saves, got %d", store.Saves())
	}
}

func TestValidateObjectName(t *testing.T) {
	if name, err := validateObjectName("/cache/cached-products.json"); err != nil || name != "cache/cached-products.json" {
		t.Fatalf("unexpected result %q %v", name, err)
	}
	if _, err := validateObjectName("cache/../secret"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}
