/*
main.go - commitmentctl, the operator CLI

PURPOSE:
  Talks to a running server through the client package, and checks a
  store's integrity directly with a progress bar.

USAGE:
  commitmentctl [global flags] <command> [flags] [args]

COMMANDS:
  customers                                  List customer ids
  chain <customer>                           Every version, oldest first
  active <customer>                          Usable commitment, if any
  get <commitment>                           One version
  create <customer> -target N -discount P    New version
  add-purchase <commitment> -amount N        Record a purchase
  remove-purchase <commitment> <purchase>    Remove through history
  verify                                     Check the store (-remote asks the server)

GLOBAL FLAGS:
  Same as the server (see config/config.go). -addr is the server URL;
  -store and -dsn are only read by a local verify.

EXIT CODES:
  0 success, 1 error or integrity violations, 2 usage
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/commitment-engine/api"
	"github.com/warp/commitment-engine/client"
	"github.com/warp/commitment-engine/commitment"
	"github.com/warp/commitment-engine/config"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

type cli struct {
	cfg    config.Config
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	fs := flag.NewFlagSet("commitmentctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: commitmentctl [global flags] <command> [flags] [args]")
		fmt.Fprintln(stderr, "commands: customers chain active get create add-purchase remove-purchase verify")
		fs.PrintDefaults()
	}

	cfg, err := config.Load(fs, args, getenv)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	c := &cli{cfg: cfg, stdout: stdout, stderr: stderr}
	commands := map[string]func(context.Context, []string) error{
		"customers":       c.customers,
		"chain":           c.chain,
		"active":          c.active,
		"get":             c.get,
		"create":          c.create,
		"add-purchase":    c.addPurchase,
		"remove-purchase": c.removePurchase,
		"verify":          c.verify,
	}

	name, rest := fs.Arg(0), fs.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		fs.Usage()
		return exitUsage
	}

	switch err := cmd(ctx, rest); {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return exitUsage
	default:
		fmt.Fprintln(stderr, "error:", err)
		return exitError
	}
}

// baseURL turns a listen address like ":8080" into a URL.
func baseURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "http://"), strings.HasPrefix(addr, "https://"):
		return addr
	case strings.HasPrefix(addr, ":"):
		return "http://localhost" + addr
	default:
		return "http://" + addr
	}
}

func (c *cli) client() *client.Client {
	return client.New(baseURL(c.cfg.Addr), client.WithTimeout(30*time.Second))
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// subcommand parses flags for one command and checks its positional count.
func (c *cli) subcommand(name string, args []string, nargs int, define func(*flag.FlagSet)) ([]string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	if define != nil {
		define(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != nargs {
		fmt.Fprintf(c.stderr, "%s: expected %d argument(s), got %d\n", name, nargs, fs.NArg())
		return nil, errUsage
	}
	return fs.Args(), nil
}

// =============================================================================
// READS
// =============================================================================

func (c *cli) customers(ctx context.Context, args []string) error {
	if _, err := c.subcommand("customers", args, 0, nil); err != nil {
		return err
	}
	ids, err := c.client().CustomerIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(c.stdout, id)
	}
	return nil
}

func (c *cli) chain(ctx context.Context, args []string) error {
	pos, err := c.subcommand("chain", args, 1, nil)
	if err != nil {
		return err
	}
	out, err := c.client().Chain(ctx, pos[0])
	if err != nil {
		return err
	}
	return c.print(out)
}

func (c *cli) active(ctx context.Context, args []string) error {
	pos, err := c.subcommand("active", args, 1, nil)
	if err != nil {
		return err
	}
	v, ok, err := c.client().ActiveCommitment(ctx, pos[0])
	if err != nil {
		return err
	}
	if !ok {
		return c.print(api.ActiveCommitmentResponse{})
	}
	return c.print(api.ActiveCommitmentResponse{HasActiveCommitment: true, ActiveCommitment: &v})
}

func (c *cli) get(ctx context.Context, args []string) error {
	pos, err := c.subcommand("get", args, 1, nil)
	if err != nil {
		return err
	}
	v, err := c.client().GetCommitment(ctx, pos[0])
	if err != nil {
		return err
	}
	return c.print(v)
}

// =============================================================================
// WRITES
// =============================================================================

func (c *cli) create(ctx context.Context, args []string) error {
	var target, by string
	var discount int
	pos, err := c.subcommand("create", args, 1, func(fs *flag.FlagSet) {
		fs.StringVar(&target, "target", "0", "target amount")
		fs.IntVar(&discount, "discount", 0, "discount percent")
		fs.StringVar(&by, "by", "", "operator recorded as creator")
	})
	if err != nil {
		return err
	}
	amount, err := decimal.NewFromString(target)
	if err != nil {
		return fmt.Errorf("-target: %w", err)
	}
	v, err := c.client().CreateCommitment(ctx, pos[0], api.CreateCommitmentRequest{
		TargetAmount:    amount,
		DiscountPercent: discount,
		CreatedBy:       by,
	})
	if err != nil {
		return err
	}
	return c.print(v)
}

func (c *cli) addPurchase(ctx context.Context, args []string) error {
	var id, amount, net string
	discount := -1
	pos, err := c.subcommand("add-purchase", args, 1, func(fs *flag.FlagSet) {
		fs.StringVar(&id, "id", "", "purchase id (generated when empty)")
		fs.StringVar(&amount, "amount", "", "gross amount")
		fs.StringVar(&net, "net", "", "net amount (defaults to -amount)")
		fs.IntVar(&discount, "discount", -1, "applied discount (defaults to the commitment's)")
	})
	if err != nil {
		return err
	}

	req := api.AddPurchaseRequest{PurchaseID: id}
	if req.Amount, err = decimal.NewFromString(amount); err != nil {
		return fmt.Errorf("-amount: %w", err)
	}
	if net != "" {
		n, err := decimal.NewFromString(net)
		if err != nil {
			return fmt.Errorf("-net: %w", err)
		}
		req.NetAmount = &n
	}
	if discount >= 0 {
		req.AppliedDiscount = &discount
	}

	entry, err := c.client().AddPurchase(ctx, pos[0], req)
	if err != nil {
		return err
	}
	return c.print(entry)
}

func (c *cli) removePurchase(ctx context.Context, args []string) error {
	pos, err := c.subcommand("remove-purchase", args, 2, nil)
	if err != nil {
		return err
	}
	v, touched, err := c.client().RemovePurchase(ctx, pos[0], pos[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stderr, "%d version(s) updated\n", touched)
	return c.print(v)
}

// =============================================================================
// VERIFY
// =============================================================================

var errViolations = errors.New("integrity violations found")

func (c *cli) verify(ctx context.Context, args []string) error {
	var remote bool
	if _, err := c.subcommand("verify", args, 0, func(fs *flag.FlagSet) {
		fs.BoolVar(&remote, "remote", false, "ask the server to run the check")
	}); err != nil {
		return err
	}

	if remote {
		run, err := c.client().Verify(ctx)
		if err != nil {
			return err
		}
		if err := c.print(run); err != nil {
			return err
		}
		switch {
		case run.Error != "":
			return fmt.Errorf("verification did not complete: %s", run.Error)
		case len(run.Violations) > 0:
			return errViolations
		}
		return nil
	}

	store, closeStore, err := c.cfg.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	customers, err := store.CustomerIDs(ctx)
	if err != nil {
		return err
	}
	bar := progressbar.NewOptions(len(customers),
		progressbar.OptionSetWriter(c.stderr),
		progressbar.OptionSetDescription("verifying customers"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	report, err := commitment.Verify(ctx, store, func(done int) { _ = bar.Set(done) })
	_ = bar.Finish()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.stdout, "%d customers, %d commitments, %d violations\n",
		report.Customers, report.Commitments, len(report.Violations))
	for _, v := range report.Violations {
		fmt.Fprintln(c.stdout, v)
	}
	if !report.OK() {
		return errViolations
	}
	return nil
}
