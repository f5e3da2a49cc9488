package core

import (
	"testing"

	"github.com/matryer/is"
)

func TestMetadataContext_InternIsIdentityStable(t *testing.T) {
	is := is.New(t)
	ctx := NewMetadataContext()

	a := ctx.Intern("/demo.Echo/Call")
	b := ctx.Intern("/demo.Echo/Call")
	is.True(a == b) // same string, same context: identical pointer

	c := ctx.Intern("/demo.Echo/Other")
	is.True(a != c)
}

func TestMetadataContext_DistinctContextsDoNotShareIdentity(t *testing.T) {
	is := is.New(t)
	a := NewMetadataContext().Intern("host.example")
	b := NewMetadataContext().Intern("host.example")
	is.True(a != b) // equal value, different MetadataContext: must not compare equal
}

func TestMDString_NilStringIsEmpty(t *testing.T) {
	is := is.New(t)
	var m *MDString
	is.Equal(m.String(), "")
}

func TestKVHash_WildcardContributesZero(t *testing.T) {
	is := is.New(t)
	methodHash := fnv32a("/demo.Echo/Call")
	is.Equal(kvHash(0, methodHash), kvHash(0, methodHash))
	is.True(kvHash(0, methodHash) != kvHash(fnv32a("host"), methodHash))
}
