package core

import (
	"testing"

	"github.com/matryer/is"
)

func TestRegisteredMethodTable_EmptyTableAlwaysMisses(t *testing.T) {
	is := is.New(t)
	mdctx := NewMetadataContext()
	table := BuildRegisteredMethodTable(mdctx, nil)

	_, ok := table.Lookup(mdctx.Intern("host"), mdctx.Intern("/a/b"))
	is.True(!ok) // zero registered methods: maxProbes stays 0, lookup is a pure miss
}

func TestRegisteredMethodTable_ExactHostBeatsWildcard(t *testing.T) {
	is := is.New(t)
	mdctx := NewMetadataContext()

	wildcard := &RequestMatcher{}
	exact := &RequestMatcher{}
	methods := []*registeredMethod{
		{method: "/demo.Echo/Call", host: "", matcher: wildcard},
		{method: "/demo.Echo/Call", host: "api.example", matcher: exact},
	}
	table := BuildRegisteredMethodTable(mdctx, methods)

	path := mdctx.Intern("/demo.Echo/Call")

	m, ok := table.Lookup(mdctx.Intern("api.example"), path)
	is.True(ok)
	is.True(m == exact) // pointer identity: the two matchers are deep-equal

	m, ok = table.Lookup(mdctx.Intern("other.example"), path)
	is.True(ok)
	is.True(m == wildcard)
}

func TestRegisteredMethodTable_UnregisteredPathMisses(t *testing.T) {
	is := is.New(t)
	mdctx := NewMetadataContext()
	methods := []*registeredMethod{
		{method: "/demo.Echo/Call", host: "", matcher: &RequestMatcher{}},
	}
	table := BuildRegisteredMethodTable(mdctx, methods)

	_, ok := table.Lookup(mdctx.Intern("any"), mdctx.Intern("/demo.Echo/Other"))
	is.True(!ok)
}

func TestRegisteredMethodTable_StringsFromADifferentContextNeverMatch(t *testing.T) {
	is := is.New(t)
	buildCtx := NewMetadataContext()
	methods := []*registeredMethod{
		{method: "/demo.Echo/Call", host: "", matcher: &RequestMatcher{}},
	}
	table := BuildRegisteredMethodTable(buildCtx, methods)

	lookupCtx := NewMetadataContext()
	_, ok := table.Lookup(nil, lookupCtx.Intern("/demo.Echo/Call"))
	is.True(!ok) // identity comparison: a different context's interned string never matches
}
