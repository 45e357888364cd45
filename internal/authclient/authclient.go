// Package authclient talks to the external authorisation service that
// decides repository paths, write permissions, and caller identity. The
// original speaks XML-RPC; no XML-RPC client exists anywhere in the
// retrieved corpus, so the wire transport here is generalised to
// JSON-over-HTTP (one POST per method, body is the method's named
// arguments, response is either {"result": ...} or {"fault": {"code",
// "message"}}) while the method set and fault semantics are kept bit-exact.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// FaultKind is the tagged-sum-type error taxonomy used throughout turnipd
// instead of sniffing "ERR turnip virt error: <KIND> <msg>" string prefixes.
type FaultKind int

const (
	KindInternalServerError FaultKind = iota
	KindNotFound
	KindForbidden
	KindUnauthorized
	KindGatewayTimeout
)

func (k FaultKind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindForbidden:
		return "FORBIDDEN"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindGatewayTimeout:
		return "GATEWAY_TIMEOUT"
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

// Fault is a failure reported by the authorisation service.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("authorisation service fault %d: %s", f.Code, f.Message)
}

// Kind maps a fault's numeric code to a FaultKind. basicAuthPath narrows the
// HTTP basic-auth special case where code 410 is treated as "unauthorized"
// (effectively anonymous) rather than as a generic internal error.
func (f *Fault) Kind(basicAuthPath bool) FaultKind {
	switch f.Code {
	case 1:
		return KindNotFound
	case 2:
		return KindForbidden
	case 3:
		return KindUnauthorized
	case 410:
		if basicAuthPath {
			return KindUnauthorized
		}
		return KindInternalServerError
	default:
		return KindInternalServerError
	}
}

// ErrTimeout is returned by Client methods when the context deadline set from
// the configured virtinfo timeout is exceeded.
var ErrTimeout = errors.New("authorisation service call timed out")

// AuthParams is the opaque bundle handed to most authorisation-service
// calls, synthesised from the turnip-authenticated-* request parameters.
type AuthParams struct {
	User            string `json:"user,omitempty"`
	UID             *int   `json:"uid,omitempty"`
	CanAuthenticate bool   `json:"can-authenticate"`
	RequestID       string `json:"request-id"`
}

// TranslateResult is translatePath's decoded response.
type TranslateResult struct {
	Path           string          `json:"path"`
	Writable       bool            `json:"writable"`
	Trailing       string          `json:"trailing,omitempty"`
	CreationParams *CreationParams `json:"creation_params,omitempty"`
}

// CreationParams describes how to lazily create a repository.
type CreationParams struct {
	CloneFrom string `json:"clone_from,omitempty"`
}

// RefPermission pairs a ref (raw bytes, any encoding) with its permission
// tokens.
type RefPermission struct {
	Ref         []byte   `json:"ref"`
	Permissions []string `json:"permissions"`
}

// Client is the authorisation-service RPC client.
type Client struct {
	transport *transport
	endpoint  string
	timeout   time.Duration
}

func NewClient(endpoint string, timeout time.Duration, allowInsecureHTTP bool, userAgent string) *Client {
	return &Client{
		transport: newTransport(timeout, allowInsecureHTTP, userAgent),
		endpoint:  endpoint,
		timeout:   timeout,
	}
}

func (c *Client) call(ctx context.Context, method string, args, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal %s args: %w", method, err)
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := c.transport.do(ctx, http.MethodPost, c.endpoint+method, bytes.NewReader(body), headers)
	if err != nil {
		if ctx.Err() != nil {
			return ErrTimeout
		}
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Fault   *Fault          `json:"fault"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Fault != nil {
		return envelope.Fault
	}
	if result == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) TranslatePath(ctx context.Context, path, permission string, auth AuthParams) (TranslateResult, error) {
	var result TranslateResult
	args := struct {
		Path       string     `json:"path"`
		Permission string     `json:"permission"`
		AuthParams AuthParams `json:"auth_params"`
	}{path, permission, auth}
	err := c.call(ctx, "translatePath", args, &result)
	return result, err
}

// AuthenticateResult is authenticateWithPassword's and
// authenticateWithPublicKey's decoded response.
type AuthenticateResult struct {
	User string `json:"user"`
	UID  int    `json:"uid"`
}

func (c *Client) AuthenticateWithPassword(ctx context.Context, user, password string) (AuthenticateResult, error) {
	var result AuthenticateResult
	args := struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}{user, password}
	err := c.call(ctx, "authenticateWithPassword", args, &result)
	return result, err
}

// AuthenticateWithPublicKey is a supplement to spec.md's fixed method set,
// mirroring original_source's PublicKeyFromLaunchpadChecker: the SSH
// frontend has no password to offer, only a public key blob to forward.
func (c *Client) AuthenticateWithPublicKey(ctx context.Context, keyType string, keyBlob []byte) (AuthenticateResult, error) {
	var result AuthenticateResult
	args := struct {
		KeyType string `json:"key_type"`
		KeyBlob []byte `json:"key_blob"`
	}{keyType, keyBlob}
	err := c.call(ctx, "authenticateWithPublicKey", args, &result)
	return result, err
}

func (c *Client) CheckRefPermissions(ctx context.Context, path string, refs [][]byte, auth AuthParams) ([]RefPermission, error) {
	var result []RefPermission
	args := struct {
		Path       string     `json:"path"`
		Refs       [][]byte   `json:"refs"`
		AuthParams AuthParams `json:"auth_params"`
	}{path, refs, auth}
	err := c.call(ctx, "checkRefPermissions", args, &result)
	return result, err
}

func (c *Client) Notify(ctx context.Context, path string) error {
	args := struct {
		Path string `json:"path"`
	}{path}
	return c.call(ctx, "notify", args, nil)
}

func (c *Client) ConfirmRepoCreation(ctx context.Context, path string, auth AuthParams) error {
	args := struct {
		Path       string     `json:"path"`
		AuthParams AuthParams `json:"auth_params"`
	}{path, auth}
	return c.call(ctx, "confirmRepoCreation", args, nil)
}

func (c *Client) AbortRepoCreation(ctx context.Context, path string, auth AuthParams) error {
	args := struct {
		Path       string     `json:"path"`
		AuthParams AuthParams `json:"auth_params"`
	}{path, auth}
	return c.call(ctx, "abortRepoCreation", args, nil)
}

func (c *Client) GetMergeProposalURL(ctx context.Context, path, branch string, auth AuthParams) (string, error) {
	var result string
	args := struct {
		Path       string     `json:"path"`
		Branch     string     `json:"branch"`
		AuthParams AuthParams `json:"auth_params"`
	}{path, branch, auth}
	err := c.call(ctx, "getMergeProposalURL", args, &result)
	return result, err
}
