// Package cli implements the orderfeed command line.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nkkko/orderfeed/internal/auth"
	"github.com/nkkko/orderfeed/internal/config"
	"github.com/nkkko/orderfeed/internal/engine"
	"github.com/nkkko/orderfeed/internal/logging"
	"github.com/nkkko/orderfeed/internal/realtime"
	"github.com/nkkko/orderfeed/internal/storage"
	"github.com/nkkko/orderfeed/pkg/client"
	"github.com/nkkko/orderfeed/pkg/proto"
)

// Runner dispatches subcommands. Exit codes: 0 ok, 1 failure, 2 usage.
type Runner struct {
	out    io.Writer
	errOut io.Writer

	httpClient *http.Client
	feedOpts   []realtime.Option

	// set from global flags on each Run
	cfg *config.Config
}

// NewRunner creates a runner writing to out and errOut
func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{out: out, errOut: errOut}
}

// WithHTTPClient sets the client used for seller API calls
func (r *Runner) WithHTTPClient(c *http.Client) *Runner {
	r.httpClient = c
	return r
}

// WithFeedOptions sets options passed to the realtime client by watch
func (r *Runner) WithFeedOptions(opts ...realtime.Option) *Runner {
	r.feedOpts = opts
	return r
}

// Run executes args and returns the process exit code
func (r *Runner) Run(ctx context.Context, args []string) int {
	rest, err := r.parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}

	switch rest[0] {
	case "login":
		return r.runLogin(ctx, rest[1:])
	case "logout":
		return r.runLogout(rest[1:])
	case "whoami":
		return r.runWhoami(rest[1:])
	case "pending":
		return r.runPending(ctx, rest[1:])
	case "order":
		return r.runOrder(ctx, rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) parseGlobalArgs(args []string) ([]string, error) {
	fs := flag.NewFlagSet("orderfeed", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFile := fs.String("config", "", "path to the YAML config file")
	dataDir := fs.String("data-dir", "", "session storage directory")
	origin := fs.String("origin", "", "event server origin")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(*configFile, *dataDir, *origin, *logLevel)
	if err != nil {
		return nil, err
	}
	loggingCfg := cfg.ToLoggingConfig()
	loggingCfg.Output = r.errOut
	if err := logging.Setup(loggingCfg); err != nil {
		return nil, err
	}

	r.cfg = cfg
	return fs.Args(), nil
}

// openSession opens storage and restores the saved session. The caller
// closes the returned store.
func (r *Runner) openSession() (storage.KV, *auth.Store, error) {
	storageCfg := r.cfg.ToStorageConfig()
	if storageCfg.Type == storage.TypeBadger {
		if err := os.MkdirAll(storageCfg.DataDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	kv, err := storage.Open(storageCfg)
	if err != nil {
		return nil, nil, err
	}
	session := auth.NewStore(kv)
	if err := session.Load(); err != nil {
		kv.Close()
		return nil, nil, err
	}
	return kv, session, nil
}

func (r *Runner) apiClient(tokens client.TokenSource) *client.Client {
	opts := []client.ClientOption{client.WithTimeout(r.cfg.APITimeout())}
	if tokens != nil {
		opts = append(opts, client.WithTokenSource(tokens))
	}
	if r.httpClient != nil {
		opts = append(opts, client.WithHTTPClient(r.httpClient))
	}
	return client.New(r.cfg.APIBaseURL(), opts...)
}

func (r *Runner) runLogin(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	phone := fs.String("phone", "", "seller phone number")
	otp := fs.String("otp", "", "one-time password received by SMS")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if strings.TrimSpace(*phone) == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: orderfeed login -phone <number> [-otp <code>]")
		return 2
	}

	api := r.apiClient(nil)

	if *otp == "" {
		resp, err := api.RequestOTP(ctx, strings.TrimSpace(*phone))
		if err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "OTP sent to %s\n", client.FormatPhone(strings.TrimSpace(*phone)))
		if resp.OTP != "" {
			_, _ = fmt.Fprintf(r.out, "development OTP: %s\n", resp.OTP)
		}
		return 0
	}

	session, err := api.VerifyOTP(ctx, strings.TrimSpace(*phone), strings.TrimSpace(*otp))
	if err != nil {
		return r.handleErr(err)
	}

	kv, store, err := r.openSession()
	if err != nil {
		return r.handleErr(err)
	}
	defer kv.Close()

	if err := store.SaveSession(session.AccessToken, session.User); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "logged in as %s (%s)\n", displayName(session.User), session.User.ID)
	return 0
}

func (r *Runner) runLogout(args []string) int {
	if len(args) > 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: orderfeed logout")
		return 2
	}
	kv, store, err := r.openSession()
	if err != nil {
		return r.handleErr(err)
	}
	defer kv.Close()

	if err := store.Clear(); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, "logged out")
	return 0
}

func (r *Runner) runWhoami(args []string) int {
	if len(args) > 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: orderfeed whoami")
		return 2
	}
	kv, store, err := r.openSession()
	if err != nil {
		return r.handleErr(err)
	}
	defer kv.Close()

	u := store.User()
	if !store.HasToken() || u == nil {
		_, _ = fmt.Fprintln(r.out, "not logged in")
		return 1
	}
	_, _ = fmt.Fprintf(r.out, "%s (%s) role=%s\n", displayName(*u), u.ID, u.Role)
	return 0
}

func (r *Runner) runPending(ctx context.Context, args []string) int {
	if len(args) > 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: orderfeed pending")
		return 2
	}
	kv, store, err := r.openSession()
	if err != nil {
		return r.handleErr(err)
	}
	defer kv.Close()
	if !store.HasToken() {
		return r.handleErr(engine.ErrNotLoggedIn)
	}

	orders, err := r.apiClient(store).PendingOrders(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if len(orders) == 0 {
		_, _ = fmt.Fprintln(r.out, "no pending orders")
		return 0
	}
	for _, o := range orders {
		_, _ = fmt.Fprintln(r.out, formatOrder(o))
	}
	return 0
}

func (r *Runner) runOrder(ctx context.Context, args []string) int {
	const usage = "usage: orderfeed order <accept|reject|preparing|ready> -id <orderId> [-reason <text>] [-prep <minutes>]"
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, usage)
		return 2
	}
	action := args[0]

	fs := flag.NewFlagSet("order "+action, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("id", "", "order id")
	reason := fs.String("reason", "", "rejection reason")
	prep := fs.Int("prep", 15, "estimated preparation time in minutes")
	if err := fs.Parse(args[1:]); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *id == "" {
		_, _ = fmt.Fprintln(r.errOut, usage)
		return 2
	}

	kv, store, err := r.openSession()
	if err != nil {
		return r.handleErr(err)
	}
	defer kv.Close()
	if !store.HasToken() {
		return r.handleErr(engine.ErrNotLoggedIn)
	}
	api := r.apiClient(store)

	var order *proto.Order
	switch action {
	case "accept":
		order, err = api.AcceptOrder(ctx, *id)
	case "reject":
		if strings.TrimSpace(*reason) == "" {
			_, _ = fmt.Fprintln(r.errOut, "error: -reason is required to reject an order")
			return 2
		}
		order, err = api.RejectOrder(ctx, *id, *reason)
	case "preparing":
		var res *client.PreparingResult
		res, err = api.MarkPreparing(ctx, *id, *prep)
		if err == nil {
			order = &res.Order
			if res.DriverAssignment != nil {
				_, _ = fmt.Fprintf(r.out, "driver search: %s (%d drivers notified)\n",
					res.DriverAssignment.Status, res.DriverAssignment.BroadcastedTo)
			}
		}
	case "ready":
		order, err = api.MarkReady(ctx, *id)
	default:
		_, _ = fmt.Fprintln(r.errOut, usage)
		return 2
	}
	if err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, formatOrder(*order))
	return 0
}

// orderList collects repeated -order flags
type orderList []string

func (o *orderList) String() string { return strings.Join(*o, ",") }

func (o *orderList) Set(v string) error {
	for _, id := range strings.Split(v, ",") {
		if id = strings.TrimSpace(id); id != "" {
			*o = append(*o, id)
		}
	}
	return nil
}

func (r *Runner) runWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	seller := fs.String("seller", "", "seller id (defaults to the logged in account)")
	var orders orderList
	fs.Var(&orders, "order", "order id whose room to join, repeatable")
	kinds := fs.String("kinds", "", "comma separated kinds to print (default: all)")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	printKinds, err := selectKinds(*kinds)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}

	e, err := engine.CreateEngine(r.cfg, r.feedOpts...)
	if err != nil {
		return r.handleErr(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	e.Watch(orders...)

	p := &printer{out: r.out, now: time.Now}
	for _, k := range printKinds {
		unsub := e.Feed().On(k, p.print)
		defer unsub()
	}

	if err := e.Start(ctx, *seller); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func selectKinds(raw string) ([]proto.Kind, error) {
	if strings.TrimSpace(raw) == "" {
		return proto.AllKinds(), nil
	}
	var kinds []proto.Kind
	for _, name := range strings.Split(raw, ",") {
		k, ok := proto.ParseKind(strings.TrimSpace(name))
		if !ok {
			return nil, fmt.Errorf("unknown kind: %s", name)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// printer writes one line per event
type printer struct {
	out io.Writer
	now func() time.Time
}

func (p *printer) print(ev proto.Event) {
	_, _ = fmt.Fprintf(p.out, "%s %-20s %s\n", p.now().Format("15:04:05"), ev.Kind(), formatEvent(ev))
}

func (r *Runner) handleErr(err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		_, _ = fmt.Fprintf(r.errOut, "error: %s\n", apiErr.Message)
		return 1
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: orderfeed [-config <file>] [-data-dir <dir>] [-origin <url>] [-log-level <level>] <login|logout|whoami|pending|order|watch> ...")
}

func displayName(u client.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Phone
}
