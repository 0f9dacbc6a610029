package devcall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgeflare/devcall/pkg/httputil"
	"github.com/edgeflare/devcall/pkg/rpc"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var errCallFailed = errors.New("call failed")

var callCmd = &cobra.Command{
	Use:   "call <uid> <action>",
	Short: "Call an action on a device and print the outcome",
	Long: `Publishes a request to <uid>/action<action>/request and waits for the
matching response. Exits non-zero unless the device answers SUCCESS.

With --gateway the call goes through a running "devcall serve" instead of the
transport.`,
	Args: cobra.ExactArgs(2),
	RunE: runCall,
}

func init() {
	f := callCmd.Flags()
	f.StringP("params", "p", "", "JSON object sent as params")
	f.DurationP("timeout", "t", 0, "call timeout (default call.timeout)")
	f.StringP("select", "s", "", "print only this gjson path of the device response, e.g. relay.state")
	f.String("gateway", "", "gateway base URL, e.g. http://localhost:8080")
	f.String("user", "", "gateway basic auth as user:password")
	f.Int("retries", 2, "gateway retries when the transport is unavailable")
}

func runCall(cmd *cobra.Command, args []string) error {
	uid, action := args[0], args[1]
	f := cmd.Flags()
	params, _ := f.GetString("params")
	timeout, _ := f.GetDuration("timeout")
	sel, _ := f.GetString("select")
	gw, _ := f.GetString("gateway")

	var raw json.RawMessage
	if params != "" {
		if !gjson.Valid(params) {
			return fmt.Errorf("--params is not valid JSON")
		}
		raw = json.RawMessage(params)
	}

	ctx := cmd.Context()
	if gw != "" {
		user, _ := f.GetString("user")
		retries, _ := f.GetInt("retries")
		return callGateway(ctx, cmd.OutOrStdout(), gw, uid, action, raw, timeout, user, retries, sel)
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	engine := newEngine(client)
	defer engine.Close()

	outcome, err := engine.Call(ctx, uid, action, raw, timeout)
	if err != nil {
		return err
	}
	if err := printOutcome(cmd.OutOrStdout(), outcome, sel); err != nil {
		return err
	}
	if outcome.Kind != rpc.OutcomeSuccess {
		return fmt.Errorf("%w: %s", errCallFailed, outcome.Kind)
	}
	return nil
}

func printOutcome(w io.Writer, o rpc.Outcome, sel string) error {
	if sel != "" {
		_, err := fmt.Fprintln(w, gjson.GetBytes(o.Payload, sel).String())
		return err
	}
	b, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func callGateway(ctx context.Context, w io.Writer, base, uid, action string, params json.RawMessage, timeout time.Duration, user string, retries int, sel string) error {
	u := fmt.Sprintf("%s/devices/%s/actions/%s",
		strings.TrimRight(base, "/"), url.PathEscape(uid), url.PathEscape(action))
	if timeout > 0 {
		u += "?timeout=" + url.QueryEscape(timeout.String())
	}

	rc := httputil.DefaultRequestConfig(http.MethodPost, u)
	rc.Logger = logger
	// the gateway may block for the full call timeout
	rc.Timeout = max(timeout, cfg.Call.Timeout) + 5*time.Second
	rc.MaxRetries = retries
	rc.RetryEnabled = retries > 0
	// 503 means nothing was published; anything else may have reached the device
	rc.RetryStatus = func(code int) bool { return code == http.StatusServiceUnavailable }
	if user != "" {
		rc.Headers = map[string][]string{
			"Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte(user))},
		}
	}

	var payload any
	if params != nil {
		payload = []byte(params)
	}
	resp, err := httputil.Request(ctx, rc, payload)
	if resp == nil {
		return err
	}

	out := resp.Body
	if sel != "" {
		out = []byte(gjson.GetBytes(resp.Body, "response."+sel).String())
	}
	fmt.Fprintln(w, strings.TrimSpace(string(out)))
	if err != nil || resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", errCallFailed, resp.StatusCode)
	}
	return nil
}
