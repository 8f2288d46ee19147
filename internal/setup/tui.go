package setup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/satstacker/internal/domain"
	"github.com/vadiminshakov/satstacker/internal/services/gateway"
)

const startLayout = "2006-01-02 15:04"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Manager is the part of the lifecycle manager the wizard drives.
type Manager interface {
	AddSchedule(ctx context.Context, ns domain.NewSchedule, runToVerify bool) (domain.Schedule, error)
	ListSymbolBalances(ctx context.Context, exchange string, keys []string) ([]domain.SymbolBalance, error)
}

// CronValidator checks cron expressions before they are submitted.
type CronValidator interface {
	Validate(expr string) error
}

// Answers collects the raw wizard input.
type Answers struct {
	Exchange          string
	Keys              [3]string
	Symbol            string
	SpendCurrency     string
	Spend             string
	Cron              string
	Start             string
	WithdrawalType    string
	WithdrawalAddress string
	WithdrawalLimit   string
	RunToVerify       bool
}

// RunTUI walks through a new schedule and submits it to manager.
func RunTUI(ctx context.Context, manager Manager, cron CronValidator, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	a := Answers{
		Spend:          "10",
		Cron:           "0 9 * * 1",
		WithdrawalType: string(domain.WithdrawalNone),
		RunToVerify:    true,
	}

	// step 1: exchange
	screen("STEP 1: EXCHANGE")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Stack sats on a schedule.\n"))
	options := make([]huh.Option[string], 0)
	for _, name := range gateway.Exchanges() {
		options = append(options, huh.NewOption(strings.ToUpper(name[:1])+name[1:], name))
	}
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select exchange").
				Options(options...).
				Value(&a.Exchange),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 2: credentials
	screen("STEP 2: CREDENTIALS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API key").
				Description("Private key for Hyperliquid, account name for simulate").
				Value(&a.Keys[0]),
			huh.NewInput().
				Title("API secret").
				Description("Leave empty when the exchange needs a single key").
				Value(&a.Keys[1]).
				EchoMode(huh.EchoModePassword),
			huh.NewInput().
				Title("Extra key").
				Description("Optional (e.g. Hyperliquid API URL)").
				Value(&a.Keys[2]),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 3: symbol
	screen("STEP 3: MARKET")
	if err := askSymbol(ctx, manager, &a); err != nil {
		return err
	}

	// step 4: spend and timing
	screen("STEP 4: AMOUNT & TIMING")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(fmt.Sprintf("Spend per run (%s)", a.SpendCurrency)).
				Value(&a.Spend).
				Validate(validatePositive),
			huh.NewInput().
				Title("Cron expression").
				Description("minute hour day-of-month month day-of-week, e.g. 0 9 * * 1").
				Value(&a.Cron).
				Validate(cron.Validate),
			huh.NewInput().
				Title("Start").
				Description(fmt.Sprintf("%s in %s, empty for now", startLayout, loc)).
				Value(&a.Start).
				Validate(func(s string) error {
					_, err := parseStart(s, loc)
					return err
				}),
		),
	).Run()
	if err != nil {
		return err
	}

	// step 5: withdrawal
	screen("STEP 5: WITHDRAWAL")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Withdraw accumulated funds?").
				Options(
					huh.NewOption("No, keep on exchange", string(domain.WithdrawalNone)),
					huh.NewOption("Fixed address", string(domain.WithdrawalFixed)),
					huh.NewOption("Address registered on exchange", string(domain.WithdrawalNamed)),
					huh.NewOption("New address from my node", string(domain.WithdrawalDynamic)),
				).
				Value(&a.WithdrawalType),
		),
	).Run()
	if err != nil {
		return err
	}

	if a.WithdrawalType != string(domain.WithdrawalNone) {
		fields := make([]huh.Field, 0, 2)
		if a.WithdrawalType == string(domain.WithdrawalFixed) {
			fields = append(fields, huh.NewInput().
				Title("Withdrawal address").
				Value(&a.WithdrawalAddress).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("address cannot be empty")
					}
					return nil
				}))
		}
		fields = append(fields, huh.NewInput().
			Title("Withdrawal limit").
			Description("Withdraw once the balance reaches this amount").
			Value(&a.WithdrawalLimit).
			Validate(validatePositive))

		if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
			return err
		}
	}

	// confirmation
	screen("FINAL CONFIRMATION")
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(a.Summary()))

	confirm := false
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Run once now to verify?").
				Affirmative("Yes").
				Negative("No").
				Value(&a.RunToVerify),
			huh.NewConfirm().
				Title("Create schedule?").
				Affirmative("Yes, create").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	ns, err := a.NewSchedule(loc)
	if err != nil {
		return err
	}
	created, err := manager.AddSchedule(ctx, ns, a.RunToVerify)
	if err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Schedule #%d created", created.ID)))
	return nil
}

func askSymbol(ctx context.Context, manager Manager, a *Answers) error {
	balances, err := manager.ListSymbolBalances(ctx, a.Exchange, a.keys())
	if err != nil || len(balances) == 0 {
		if err != nil {
			fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render(fmt.Sprintf("Could not list markets: %v\n", err)))
		}
		return huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Symbol").
					Description("Exchange market, e.g. BTCUSDT").
					Value(&a.Symbol).
					Validate(notEmpty("symbol")),
				huh.NewInput().
					Title("Spend currency").
					Description("Currency you pay with, e.g. USDT").
					Value(&a.SpendCurrency).
					Validate(notEmpty("spend currency")),
			),
		).Run()
	}

	options := make([]huh.Option[string], 0, len(balances))
	bySymbol := make(map[string]domain.SymbolBalance, len(balances))
	for _, b := range balances {
		label := fmt.Sprintf("%s (%s %s)", b.Symbol.Name, b.Symbol.Spend, b.Amount.String())
		options = append(options, huh.NewOption(label, b.Symbol.Name))
		bySymbol[b.Symbol.Name] = b
	}

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select market").
				Options(options...).
				Value(&a.Symbol),
		),
	).Run()
	if err != nil {
		return err
	}
	a.SpendCurrency = bySymbol[a.Symbol].Symbol.Spend
	return nil
}

// NewSchedule converts the answers into a schedule request.
func (a Answers) NewSchedule(loc *time.Location) (domain.NewSchedule, error) {
	spend, err := decimal.NewFromString(strings.TrimSpace(a.Spend))
	if err != nil {
		return domain.NewSchedule{}, domain.NewConfigurationError("invalid spend %q", a.Spend)
	}
	withdrawalType, err := domain.ParseWithdrawalType(a.WithdrawalType)
	if err != nil {
		return domain.NewSchedule{}, err
	}
	start, err := parseStart(a.Start, loc)
	if err != nil {
		return domain.NewSchedule{}, err
	}

	s := domain.Schedule{
		Exchange:       a.Exchange,
		Spend:          spend,
		SpendCurrency:  strings.ToUpper(strings.TrimSpace(a.SpendCurrency)),
		Symbol:         strings.TrimSpace(a.Symbol),
		Cron:           strings.TrimSpace(a.Cron),
		Start:          start,
		WithdrawalType: withdrawalType,
	}
	if withdrawalType == domain.WithdrawalFixed {
		s.WithdrawalAddress = strings.TrimSpace(a.WithdrawalAddress)
	}
	if withdrawalType != domain.WithdrawalNone {
		limit, err := decimal.NewFromString(strings.TrimSpace(a.WithdrawalLimit))
		if err != nil {
			return domain.NewSchedule{}, domain.NewConfigurationError("invalid withdrawal limit %q", a.WithdrawalLimit)
		}
		s.WithdrawalLimit = limit
	}

	return domain.NewSchedule{Schedule: s, Keys: a.keys()}, nil
}

// Summary renders the answers for confirmation without secrets.
func (a Answers) Summary() string {
	out := fmt.Sprintf(
		"Exchange: %s\nMarket: %s\nSpend: %s %s\nCron: %s\nWithdrawal: %s\n",
		a.Exchange, a.Symbol, a.Spend, a.SpendCurrency, a.Cron, a.WithdrawalType,
	)
	if a.WithdrawalType == string(domain.WithdrawalFixed) {
		out += fmt.Sprintf("Address: %s\n", a.WithdrawalAddress)
	}
	if a.WithdrawalType != string(domain.WithdrawalNone) {
		out += fmt.Sprintf("Limit: %s\n", a.WithdrawalLimit)
	}
	return out
}

// keys drops trailing empty credentials.
func (a Answers) keys() []string {
	keys := make([]string, 0, len(a.Keys))
	for _, k := range a.Keys {
		keys = append(keys, strings.TrimSpace(k))
	}
	for len(keys) > 0 && keys[len(keys)-1] == "" {
		keys = keys[:len(keys)-1]
	}
	return keys
}

func screen(step string) {
	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Println(headerStyle.Render("SATSTACKER NEW SCHEDULE"))
	fmt.Println(stepStyle.Render(step))
}

func parseStart(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(startLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("start must look like %s", startLayout)
	}
	return t.UTC(), nil
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be greater than zero")
	}
	return nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		return nil
	}
}
