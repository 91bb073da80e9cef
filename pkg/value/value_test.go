package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObject_PathsWalksArraysAndObjects(t *testing.T) {
	outputs := Object{
		"greeting": File("out/hello.txt"),
		"count":    Int(3),
		"reports": Array(
			File("out/a.txt"),
			Array(Directory("out/nested")),
		),
		"meta": Struct(Object{"log": File("out/log.txt"), "ok": Bool(true)}),
	}

	var got []string
	for _, v := range outputs.Paths() {
		got = append(got, string(v.Kind)+":"+v.Str)
	}
	assert.Equal(t, []string{
		"File:out/hello.txt",
		"File:out/log.txt",
		"File:out/a.txt",
		"Directory:out/nested",
	}, got)
}

func TestObject_PlainView(t *testing.T) {
	outputs := Object{
		"greeting": File("out/hello.txt"),
		"n":        Int(2),
		"list":     Array(String("a"), String("b")),
	}

	b, err := json.Marshal(outputs.Plain())
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"out/hello.txt","n":2,"list":["a","b"]}`, string(b))
}

func TestValue_TypedEncodingKeepsKinds(t *testing.T) {
	outputs := Object{
		"f":    File("out/x"),
		"d":    Directory("out/y"),
		"s":    String("out/x"),
		"pi":   Float(3.5),
		"list": Array(Int(1), Null()),
		"obj":  Struct(Object{"b": Bool(false)}),
	}

	b, err := json.Marshal(outputs)
	require.NoError(t, err)

	var decoded Object
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, KindFile, decoded["f"].Kind)
	assert.Equal(t, KindDirectory, decoded["d"].Kind)
	assert.Equal(t, KindString, decoded["s"].Kind)
	assert.Equal(t, 3.5, decoded["pi"].Float)
	require.Len(t, decoded["list"].Items, 2)
	assert.Equal(t, int64(1), decoded["list"].Items[0].Int)
	assert.Equal(t, KindNull, decoded["list"].Items[1].Kind)
	assert.False(t, decoded["obj"].Fields["b"].Bool)
}

func TestObject_MapRewritesPaths(t *testing.T) {
	outputs := Object{"a": Array(File("x"), String("x"))}
	mapped := outputs.Map(func(v Value) Value {
		v.Str = "/root/" + v.Str
		return v
	})

	assert.Equal(t, "/root/x", mapped["a"].Items[0].Str)
	assert.Equal(t, "x", mapped["a"].Items[1].Str)
	assert.Equal(t, "x", outputs["a"].Items[0].Str)
}
