// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

package atomizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/granule-foundation/granule/lib/atom"
)

func TestStructuredJSONTree(t *testing.T) {
	content := []byte(`{"name":"web","port":8080}`)
	result, err := NewStructuredAtomizer().Atomize(context.Background(), content, testSource("cfg.json", "application/json", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	nodes := atomsOfSubtype(result, atom.SubtypeTreeNode)
	if len(nodes) != 3 {
		t.Fatalf("got %d tree nodes, want 3 (object + 2 scalars)", len(nodes))
	}

	positions := map[string]bool{}
	for _, comp := range result.Compositions {
		positions[comp.Position] = true
	}
	for _, want := range []string{"$", "$.name", "$.port"} {
		if !positions[want] {
			t.Errorf("missing position %q", want)
		}
	}
}

func TestStructuredBrokenJSONIsParseError(t *testing.T) {
	content := []byte(`{"broken":`)
	_, err := NewStructuredAtomizer().Atomize(context.Background(), content, testSource("bad.json", "application/json", len(content)))
	if err == nil {
		t.Fatal("expected error for broken JSON")
	}
	var parseErr *atom.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("error %T is not a ParseError", err)
	}
}

func TestStructuredTrailingGarbageIsParseError(t *testing.T) {
	content := []byte(`{"a":1} trailing`)
	_, err := NewStructuredAtomizer().Atomize(context.Background(), content, testSource("t.json", "application/json", len(content)))
	var parseErr *atom.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestStructuredIdenticalSubtreesDeduplicate(t *testing.T) {
	content := []byte(`{"a":{"x":1,"y":2},"b":{"x":1,"y":2}}`)
	result, err := NewStructuredAtomizer().Atomize(context.Background(), content, testSource("d.json", "application/json", len(content)))
	if err != nil {
		t.Fatal(err)
	}
	if result.Info.UniqueAtoms >= result.Info.TotalAtoms {
		t.Errorf("identical subtrees did not deduplicate: %d unique of %d total",
			result.Info.UniqueAtoms, result.Info.TotalAtoms)
	}
}

func TestStructuredJSONC(t *testing.T) {
	content := []byte("{\n  // the port\n  \"port\": 8080,\n}\n")
	result, err := NewStructuredAtomizer().Atomize(context.Background(), content, testSource("cfg.jsonc", "", len(content)))
	if err != nil {
		t.Fatalf("jsonc with comments and trailing comma must parse: %v", err)
	}
	if nodes := atomsOfSubtype(result, atom.SubtypeTreeNode); len(nodes) != 2 {
		t.Errorf("got %d tree nodes, want 2", len(nodes))
	}
}

func TestStructuredYAML(t *testing.T) {
	content := []byte("name: web\nservers:\n  - alpha\n  - beta\n")
	result, err := NewStructuredAtomizer().Atomize(context.Background(), content, testSource("cfg.yaml", "", len(content)))
	if err != nil {
		t.Fatal(err)
	}
	positions := map[string]bool{}
	for _, comp := range result.Compositions {
		positions[comp.Position] = true
	}
	for _, want := range []string{"$", "$.name", "$.servers", "$.servers[0]", "$.servers[1]"} {
		if !positions[want] {
			t.Errorf("missing position %q", want)
		}
	}
}

func TestStructuredInvalidYAMLIsParseError(t *testing.T) {
	content := []byte("a: [unclosed\nb: : :")
	_, err := NewStructuredAtomizer().Atomize(context.Background(), content, testSource("bad.yaml", "", len(content)))
	var parseErr *atom.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestStructuredXML(t *testing.T) {
	content := []byte(`<config><server host="alpha">primary</server><server host="beta"/></config>`)
	result, err := NewStructuredAtomizer().Atomize(context.Background(), content, testSource("cfg.xml", "", len(content)))
	if err != nil {
		t.Fatal(err)
	}

	nodes := atomsOfSubtype(result, atom.SubtypeTreeNode)
	if len(nodes) != 3 {
		t.Fatalf("got %d tree nodes, want 3 elements", len(nodes))
	}

	positions := map[string]bool{}
	for _, comp := range result.Compositions {
		positions[comp.Position] = true
	}
	for _, want := range []string{"/config", "/config/server[1]", "/config/server[2]"} {
		if !positions[want] {
			t.Errorf("missing position %q", want)
		}
	}

	var foundText bool
	for _, node := range nodes {
		if string(node.Value) == "primary" {
			foundText = true
			if !strings.Contains(node.Metadata, `"attr.host":"alpha"`) {
				t.Errorf("element metadata = %q, want host attribute", node.Metadata)
			}
		}
	}
	if !foundText {
		t.Error("element text was not captured as an atom value")
	}
}

func TestStructuredUnclosedXMLIsParseError(t *testing.T) {
	content := []byte(`<config><server>`)
	_, err := NewStructuredAtomizer().Atomize(context.Background(), content, testSource("bad.xml", "", len(content)))
	var parseErr *atom.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestStructuredEmptyInput(t *testing.T) {
	result, err := NewStructuredAtomizer().Atomize(context.Background(), nil, testSource("e.json", "application/json", 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Atoms) != 1 {
		t.Errorf("got %d atoms, want only the file-metadata atom", len(result.Atoms))
	}
}
