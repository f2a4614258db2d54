package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type (
	testRenamed struct {
		Name string `json:"name"`
	}

	testAliased struct{}
)

func (testAliased) EventType() string { return "aliased" }

func TestRegistry_Decode(t *testing.T) {
	r := NewRegistry()
	RegisterEventFor[testRenamed](r)

	ev, err := r.Decode(Envelope{
		Type: EventTypeFor[testRenamed](),
		Data: json.RawMessage(`{"name":"a"}`),
	})
	require.NoError(t, err)
	require.Equal(t, &testRenamed{Name: "a"}, ev)
}

func TestRegistry_Decode_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decode(Envelope{Type: "nope", Data: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrUnknownEventType)
}

func TestRegistry_Upcast(t *testing.T) {
	// v1 had a single "name", v2 split it and v3 added a default.
	type person struct {
		First   string `json:"first"`
		Last    string `json:"last"`
		Country string `json:"country"`
	}

	r := NewRegistry()
	r.RegisterVersion("person", 3, func() any { return &person{} })
	r.Upcast("person", 1, func(data json.RawMessage) (json.RawMessage, error) {
		var v1 struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"first": v1.Name})
	})
	r.Upcast("person", 2, func(data json.RawMessage) (json.RawMessage, error) {
		var v2 map[string]any
		if err := json.Unmarshal(data, &v2); err != nil {
			return nil, err
		}
		v2["country"] = "unknown"
		return json.Marshal(v2)
	})

	ev, err := r.Decode(Envelope{
		Type:         "person",
		EventVersion: 1,
		Data:         json.RawMessage(`{"name":"ada"}`),
	})
	require.NoError(t, err)
	require.Equal(t, &person{First: "ada", Country: "unknown"}, ev)

	// current-version payloads pass through untouched
	ev, err = r.Decode(Envelope{
		Type:         "person",
		EventVersion: 3,
		Data:         json.RawMessage(`{"first":"grace","last":"hopper","country":"us"}`),
	})
	require.NoError(t, err)
	require.Equal(t, &person{First: "grace", Last: "hopper", Country: "us"}, ev)
}

func TestRegistry_Upcast_MissingStep(t *testing.T) {
	r := NewRegistry()
	r.RegisterVersion("thing", 3, func() any { return &struct{}{} })
	r.Upcast("thing", 2, func(data json.RawMessage) (json.RawMessage, error) { return data, nil })

	_, err := r.Decode(Envelope{Type: "thing", EventVersion: 1, Data: json.RawMessage(`{}`)})
	require.ErrorContains(t, err, "no upcaster")
}

func TestRegistry_SchemaVersion(t *testing.T) {
	r := NewRegistry()
	r.RegisterVersion("person", 3, func() any { return &struct{}{} })
	require.Equal(t, 3, r.SchemaVersion("person"))
	require.Equal(t, 1, r.SchemaVersion("unknown"))
}

func TestEventTypeOf(t *testing.T) {
	require.Equal(t, "aliased", EventTypeOf(testAliased{}))
	require.Equal(t, EventTypeFor[testRenamed](), EventTypeOf(&testRenamed{}))
	require.NotEmpty(t, EventTypeFor[testRenamed]())
}
