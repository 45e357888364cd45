package pktline

import "github.com/hashicorp/go-set/v3"

// Commands is the closed set of extended-request commands this pack
// understands. Anything else is "Unsupported command in request".
var Commands = set.From([]string{
	"git-upload-pack",
	"git-receive-pack",
	"turnip-set-symbolic-ref",
	"turnip-create-repo",
})

// SafeParams is the parameter set the anonymous frontend accepts from
// vanilla Git clients. Anything outside this set triggers "Illegal request
// parameters" before the backend is ever dialled.
var SafeParams = set.From([]string{"host", "version"})

// WellKnownParams lists the well-known parameter names of the extended
// request line. It is a reference list only: request handling and auth-param
// construction read the parameters by name rather than ranging over it.
var WellKnownParams = set.From([]string{
	"host",
	"version",
	"turnip-stateless-rpc",
	"turnip-advertise-refs",
	"turnip-request-id",
	"turnip-can-authenticate",
	"turnip-authenticated-user",
	"turnip-authenticated-uid",
	"clone_from",
})
