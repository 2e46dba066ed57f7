package ident

import "fmt"

// QueryKind selects which resolution form a Query carries.
type QueryKind int

const (
	// QueryExact resolves one fully specified identifier.
	QueryExact QueryKind = iota
	// QueryLatest resolves the greatest committed identifier on an
	// (origin, name) line, optionally filtered by target platform.
	QueryLatest
	// QueryChannel resolves the greatest identifier that is a member of a
	// named channel on an (origin, name) line.
	QueryChannel
)

func (k QueryKind) String() string {
	switch k {
	case QueryExact:
		return "exact"
	case QueryLatest:
		return "latest"
	case QueryChannel:
		return "channel"
	default:
		return fmt.Sprintf("QueryKind(%d)", int(k))
	}
}

// Query is one identifier-resolution request.
type Query struct {
	Kind QueryKind

	// Ident is set for QueryExact.
	Ident Ident

	// Origin and Name are set for QueryLatest and QueryChannel.
	Origin string
	Name   string

	// Target optionally narrows QueryLatest to one platform.
	Target string

	// Channel is set for QueryChannel.
	Channel string
}

// Exact builds an exact-identifier query.
func Exact(id Ident) Query {
	return Query{Kind: QueryExact, Ident: id}
}

// Latest builds a latest-on-line query. Target may be empty.
func Latest(origin, name, target string) Query {
	return Query{Kind: QueryLatest, Origin: origin, Name: name, Target: target}
}

// InChannel builds a channel-alias query.
func InChannel(origin, name, channel string) Query {
	return Query{Kind: QueryChannel, Origin: origin, Name: name, Channel: channel}
}
