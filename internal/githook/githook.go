// Package githook is the client side of internal/hookrpc: the logic run by
// turnipd's "hook" subcommand, which hooks/hook.py execs for pre-receive,
// update, and post-receive. Supplemented from original_source's
// turnip/pack/hooks.py (dropped by the distillation): the hookrpc server
// has no meaning without something calling it.
package githook

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/crohr/turnip-proxy/internal/hookrpc"
)

const (
	envSock = "TURNIP_HOOK_RPC_SOCK"
	envKey  = "TURNIP_HOOK_RPC_KEY"
)

// refUpdate is one line of pre-receive/post-receive/update stdin:
// "<old-sha> <new-sha> <ref-name>".
type refUpdate struct {
	Old, New, Ref string
}

// Run dispatches to the hook named by args[0] (as passed by hook.py, which
// execs "turnipd hook $(basename $0) $@"). It returns the process exit code.
func Run(args []string, stdin io.Reader, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "githook: missing hook name")
		return 1
	}

	conn, err := dial()
	if err != nil {
		fmt.Fprintf(stderr, "githook: cannot reach hook RPC socket: %v\n", err)
		return 1
	}
	defer conn.Close()

	client := &rpcClient{conn: conn, key: os.Getenv(envKey)}

	switch args[0] {
	case "pre-receive":
		return runPreReceive(client, stdin, stderr)
	case "update":
		return runUpdate(client, args[1:], stderr)
	case "post-receive":
		return runPostReceive(client, stdin, stderr)
	default:
		fmt.Fprintf(stderr, "githook: unknown hook %q\n", args[0])
		return 1
	}
}

func dial() (net.Conn, error) {
	sock := os.Getenv(envSock)
	if sock == "" {
		return nil, fmt.Errorf("%s not set", envSock)
	}
	return net.Dial("unix", sock)
}

// rpcClient speaks the netstring+JSON protocol from the hook side.
type rpcClient struct {
	conn net.Conn
	key  string
}

func (c *rpcClient) call(op string, args map[string]interface{}) (json.RawMessage, error) {
	req := map[string]interface{}{"op": op}
	for k, v := range args {
		req[k] = v
	}
	blob, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := hookrpc.WriteNetstring(c.conn, blob); err != nil {
		return nil, err
	}
	resp, err := hookrpc.ReadNetstring(bufio.NewReader(c.conn))
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return nil, err
	}
	if envelope.Error != "" {
		return nil, fmt.Errorf("hook rpc error: %s", envelope.Error)
	}
	return envelope.Result, nil
}

func (c *rpcClient) checkRefPermissions(refs []string) (map[string][]string, error) {
	b64refs := make([]string, len(refs))
	for i, r := range refs {
		b64refs[i] = base64.StdEncoding.EncodeToString([]byte(r))
	}
	raw, err := c.call("check_ref_permissions", map[string]interface{}{
		"key": c.key, "paths": b64refs,
	})
	if err != nil {
		return nil, err
	}
	var result map[string][]string
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *rpcClient) notifyPush(looseObjectCount, packCount int) error {
	_, err := c.call("notify_push", map[string]interface{}{
		"key": c.key, "loose_object_count": looseObjectCount, "pack_count": packCount,
	})
	return err
}

func runPreReceive(client *rpcClient, stdin io.Reader, stderr io.Writer) int {
	updates, err := readRefUpdates(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "githook: reading ref updates: %v\n", err)
		return 1
	}
	for _, u := range updates {
		if err := enforcePermission(client, u); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
	}
	return 0
}

func runUpdate(client *rpcClient, args []string, stderr io.Writer) int {
	if len(args) != 3 {
		fmt.Fprintln(stderr, "githook: update hook expects <ref> <old> <new>")
		return 1
	}
	u := refUpdate{Ref: args[0], Old: args[1], New: args[2]}
	if err := enforcePermission(client, u); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	return 0
}

func runPostReceive(client *rpcClient, stdin io.Reader, stderr io.Writer) int {
	// Drain stdin; post-receive has nothing left to enforce, only to report.
	if _, err := readRefUpdates(stdin); err != nil {
		fmt.Fprintf(stderr, "githook: reading ref updates: %v\n", err)
	}
	loose, packed, err := countObjects()
	if err != nil {
		fmt.Fprintf(stderr, "githook: count-objects: %v\n", err)
		return 0 // a reporting failure must not fail the push that already happened
	}
	if err := client.notifyPush(loose, packed); err != nil {
		fmt.Fprintf(stderr, "githook: notify_push: %v\n", err)
	}
	return 0
}

const zeroOID = "0000000000000000000000000000000000000000"

func enforcePermission(client *rpcClient, u refUpdate) error {
	perms, err := client.checkRefPermissions([]string{u.Ref})
	if err != nil {
		return fmt.Errorf("could not verify permissions for %s: %w", u.Ref, err)
	}
	b64ref := base64.StdEncoding.EncodeToString([]byte(u.Ref))
	tokens := perms[b64ref]

	required := "push"
	switch {
	case u.Old == zeroOID:
		required = "create"
	case !isFastForward(u.Old, u.New):
		required = "force_push"
	}

	if !contains(tokens, required) {
		return fmt.Errorf("you do not have permission to %s %s", required, u.Ref)
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func isFastForward(old, new string) bool {
	if old == zeroOID {
		return true
	}
	cmd := exec.Command("git", "merge-base", "--is-ancestor", old, new)
	return cmd.Run() == nil
}

func readRefUpdates(r io.Reader) ([]refUpdate, error) {
	var updates []refUpdate
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		updates = append(updates, refUpdate{Old: fields[0], New: fields[1], Ref: fields[2]})
	}
	return updates, scanner.Err()
}

func countObjects() (loose, packed int, err error) {
	cmd := exec.Command("git", "count-objects", "-v")
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.SplitN(line, ": ", 2)
		if len(fields) != 2 {
			continue
		}
		n, convErr := strconv.Atoi(strings.TrimSpace(fields[1]))
		if convErr != nil {
			continue
		}
		switch fields[0] {
		case "count":
			loose = n
		case "in-pack":
			packed = n
		}
	}
	return loose, packed, nil
}
