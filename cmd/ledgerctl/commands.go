package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"exchange-ledger/config"
	"exchange-ledger/internal/report"
	"exchange-ledger/internal/store"
	"exchange-ledger/ledger"
)

var configPath = flag.String("config", "configs/ledger.yaml", "Path to the ledger configuration file")

// 测试时替换
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// session 是一次命令执行期间打开的账本。
type session struct {
	cfg     config.AppConfig
	backend store.Backend
	ledger  *ledger.Ledger
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.LoadWithEnvOverrides(*configPath)
	if err != nil {
		return nil, err
	}
	backend, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	l := ledger.New(backend, ledger.WithSaveTimeout(time.Duration(cfg.Store.SaveTimeoutMs)*time.Millisecond))
	if err := l.Load(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	return &session{cfg: cfg, backend: backend, ledger: l}, nil
}

func (s *session) close() {
	s.backend.Close()
}

func fail(format string, args ...interface{}) subcommands.ExitStatus {
	fmt.Fprintf(stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

// exitFor 持久化失败时结果已计算但未落盘，返回非零退出码。
func exitFor(err error) subcommands.ExitStatus {
	switch {
	case err == nil:
		return subcommands.ExitSuccess
	case errors.Is(err, ledger.ErrInvalidArgument):
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	default:
		fmt.Fprintf(stderr, "Warning: %v\n", err)
		return subcommands.ExitFailure
	}
}

func parseAmounts(names []string, values []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := ledger.ParseAmount(v)
		if err != nil {
			return nil, fmt.Errorf("-%s: %w", names[i], err)
		}
		out[i] = d
	}
	return out, nil
}

func printPosition(p ledger.Position) {
	updated := "never"
	if !p.LastUpdated.IsZero() {
		updated = p.LastUpdated.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(stdout, "%s\tquantity=%s\taverage_cost=%s\tbook_value=%s\tupdated=%s\n",
		p.Currency, p.Quantity, p.AverageCost, p.BookValue(), updated)
}

// buyCmd records a purchase.
type buyCmd struct {
	currency string
	quantity string
	cost     string
}

func (*buyCmd) Name() string     { return "buy" }
func (*buyCmd) Synopsis() string { return "record a currency purchase" }
func (*buyCmd) Usage() string {
	return `ledgerctl buy -c <currency> -q <quantity> -p <unit cost>

  Records a purchase and prints the updated position.
`
}

func (c *buyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.currency, "c", "", "Currency code, e.g. USD")
	f.StringVar(&c.quantity, "q", "", "Quantity bought")
	f.StringVar(&c.cost, "p", "", "Unit cost in the base currency")
}

func (c *buyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	amounts, err := parseAmounts([]string{"q", "p"}, []string{c.quantity, c.cost})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return subcommands.ExitUsageError
	}
	s, err := openSession(ctx)
	if err != nil {
		return fail("Error opening ledger: %v", err)
	}
	defer s.close()

	p, err := s.ledger.RecordPurchase(c.currency, amounts[0], amounts[1])
	if errors.Is(err, ledger.ErrInvalidArgument) {
		return exitFor(err)
	}
	printPosition(p)
	return exitFor(err)
}

// sellCmd records a sale.
type sellCmd struct {
	currency string
	quantity string
	price    string
}

func (*sellCmd) Name() string     { return "sell" }
func (*sellCmd) Synopsis() string { return "record a currency sale and print realized profit" }
func (*sellCmd) Usage() string {
	return `ledgerctl sell -c <currency> -q <quantity> -p <unit price>

  Records a sale. Selling more than is held is accepted: the quantity is
  clamped to zero and the overdraft is reported.
`
}

func (c *sellCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.currency, "c", "", "Currency code, e.g. USD")
	f.StringVar(&c.quantity, "q", "", "Quantity sold")
	f.StringVar(&c.price, "p", "", "Unit sale price in the base currency")
}

func (c *sellCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	amounts, err := parseAmounts([]string{"q", "p"}, []string{c.quantity, c.price})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return subcommands.ExitUsageError
	}
	s, err := openSession(ctx)
	if err != nil {
		return fail("Error opening ledger: %v", err)
	}
	defer s.close()

	res, err := s.ledger.RecordSale(c.currency, amounts[0], amounts[1])
	if errors.Is(err, ledger.ErrInvalidArgument) {
		return exitFor(err)
	}
	fmt.Fprintf(stdout, "%s\tsold=%s\tprofit=%s\tprofit_per_unit=%s\tprofit_pct=%s\n",
		res.Currency, res.QuantitySold, res.TotalProfit, res.ProfitPerUnit, res.ProfitPercent.StringFixed(2))
	if res.OverdraftClamped {
		fmt.Fprintf(stdout, "overdraft: sold %s more than held, quantity clamped to zero\n", res.Oversold)
	}
	printPosition(res.Position)
	return exitFor(err)
}

// positionCmd prints one position.
type positionCmd struct{}

func (*positionCmd) Name() string     { return "position" }
func (*positionCmd) Synopsis() string { return "show the position of one currency" }
func (*positionCmd) Usage() string {
	return `ledgerctl position <currency>
`
}
func (*positionCmd) SetFlags(*flag.FlagSet) {}

func (*positionCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: exactly one currency is required")
		return subcommands.ExitUsageError
	}
	s, err := openSession(ctx)
	if err != nil {
		return fail("Error opening ledger: %v", err)
	}
	defer s.close()

	printPosition(s.ledger.Position(f.Arg(0)))
	return subcommands.ExitSuccess
}

// positionsCmd lists all positions.
type positionsCmd struct {
	all bool
}

func (*positionsCmd) Name() string     { return "positions" }
func (*positionsCmd) Synopsis() string { return "list all positions" }
func (*positionsCmd) Usage() string {
	return `ledgerctl positions [-a]

  Lists held positions; -a also lists flat ones.
`
}

func (c *positionsCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.all, "a", false, "Include positions with zero quantity")
}

func (c *positionsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, err := openSession(ctx)
	if err != nil {
		return fail("Error opening ledger: %v", err)
	}
	defer s.close()

	all := s.ledger.Positions()
	keys := make([]string, 0, len(all))
	for k, p := range all {
		if c.all || p.Held() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		printPosition(all[k])
	}
	return subcommands.ExitSuccess
}

// reportCmd renders the markdown position report.
type reportCmd struct {
	marks    string
	hideFlat bool
	raw      bool
}

func (*reportCmd) Name() string     { return "report" }
func (*reportCmd) Synopsis() string { return "render a position report with book values" }
func (*reportCmd) Usage() string {
	return `ledgerctl report [-m USD=4.1,EUR=4.5] [-hide-flat] [-raw]

  Renders positions with book value in the base currency. Marks add market
  value and unrealized profit columns.
`
}

func (c *reportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.marks, "m", "", "Comma separated CUR=price marks in the base currency")
	f.BoolVar(&c.hideFlat, "hide-flat", false, "Hide positions with zero quantity")
	f.BoolVar(&c.raw, "raw", false, "Print raw markdown instead of rendering it")
}

func (c *reportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	marks, err := parseMarks(c.marks)
	if err != nil {
		fmt.Fprintf(stderr, "Error: -m: %v\n", err)
		return subcommands.ExitUsageError
	}
	s, err := openSession(ctx)
	if err != nil {
		return fail("Error opening ledger: %v", err)
	}
	defer s.close()

	md := report.Build(s.ledger.Positions(), report.Options{
		BaseCurrency: s.cfg.BaseCurrency,
		Marks:        marks,
		HideFlat:     c.hideFlat,
		GeneratedAt:  time.Now(),
	}).Markdown()

	if c.raw {
		fmt.Fprint(stdout, md)
		return subcommands.ExitSuccess
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(120))
	if err != nil {
		return fail("Error creating renderer: %v", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return fail("Error rendering report: %v", err)
	}
	fmt.Fprint(stdout, out)
	return subcommands.ExitSuccess
}

func parseMarks(s string) (map[string]decimal.Decimal, error) {
	marks := make(map[string]decimal.Decimal)
	if strings.TrimSpace(s) == "" {
		return marks, nil
	}
	for _, part := range strings.Split(s, ",") {
		cur, price, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("expected CUR=price, got %q", part)
		}
		key := ledger.NormalizeCurrency(cur)
		if key == "" {
			return nil, fmt.Errorf("empty currency in %q", part)
		}
		d, err := ledger.ParseAmount(price)
		if err != nil {
			return nil, err
		}
		marks[key] = d
	}
	return marks, nil
}

// resetCmd wipes all positions.
type resetCmd struct {
	yes bool
}

func (*resetCmd) Name() string     { return "reset" }
func (*resetCmd) Synopsis() string { return "delete every position from the ledger" }
func (*resetCmd) Usage() string {
	return `ledgerctl reset -yes

  Clears all positions in memory and in the configured store.
`
}

func (c *resetCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.yes, "yes", false, "Confirm the reset")
}

func (c *resetCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if !c.yes {
		fmt.Fprintln(stderr, "Refusing to reset without -yes")
		return subcommands.ExitUsageError
	}
	s, err := openSession(ctx)
	if err != nil {
		return fail("Error opening ledger: %v", err)
	}
	defer s.close()

	if err := s.ledger.Reset(); err != nil {
		return fail("Error resetting ledger: %v", err)
	}
	fmt.Fprintln(stdout, "ledger reset")
	return subcommands.ExitSuccess
}
