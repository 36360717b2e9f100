package setup

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/dcacore/config"
)

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

// Answers values collected by the wizard.
type Answers struct {
	Admin         string
	Executor      string
	WrappedNative string
	BatchMode     string
	MinSlippage   string
	HTTPAddr      string
	WALDir        string
	RPCURL        string
	RouterAddress string
	KeeperEnabled bool
	PollInterval  string
	FeePerBatch   string
	Treasury      string
}

func defaultAnswers() Answers {
	return Answers{
		BatchMode:     "atomic",
		MinSlippage:   "25",
		HTTPAddr:      config.DefaultHTTPAddr,
		WALDir:        config.DefaultWALDir,
		KeeperEnabled: true,
		PollInterval:  config.DefaultPollInterval.String(),
		FeePerBatch:   "0",
		Treasury:      "0",
	}
}

func screen(step string) {
	fmt.Print("\033[H\033[2J") // clear screen
	fmt.Println(headerStyle.Render("DCACORE CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	a := defaultAnswers()
	var confirm bool

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("DCACORE CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Recurring orders, one interval at a time.\n"))

	// roles
	fmt.Println(stepStyle.Render("STEP 1: ROLES"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Admin address").
				Description("Controls pairs, slippage floor and pause").
				Value(&a.Admin).
				Validate(validateAddress),
			huh.NewInput().
				Title("Executor address").
				Description("The only caller allowed to execute batches").
				Value(&a.Executor).
				Validate(validateAddress),
			huh.NewInput().
				Title("Wrapped native token").
				Value(&a.WrappedNative).
				Validate(validateAddress),
		),
	).Run()
	if err != nil {
		return err
	}

	// execution
	screen("STEP 2: EXECUTION")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Batch failure mode").
				Options(
					huh.NewOption("Atomic (one failure reverts the batch)", "atomic"),
					huh.NewOption("Isolated (skip failing positions)", "isolated"),
				).
				Value(&a.BatchMode),
			huh.NewInput().
				Title("Minimum slippage (bps)").
				Description("Floor for per-position slippage, below 1000").
				Value(&a.MinSlippage).
				Validate(validateSlippage),
		),
	).Run()
	if err != nil {
		return err
	}

	// price source
	screen("STEP 3: PRICE SOURCE")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("RPC URL").
				Description("Leave empty to quote from the simulated pools").
				Value(&a.RPCURL),
			huh.NewInput().
				Title("Router address").
				Description("Required with an RPC URL").
				Value(&a.RouterAddress).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return nil
					}
					return validateAddress(s)
				}),
		),
	).Run()
	if err != nil {
		return err
	}

	// keeper
	screen("STEP 4: KEEPER")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Run the keeper in this process?").
				Value(&a.KeeperEnabled),
			huh.NewInput().
				Title("Poll interval").
				Description("Duration string (e.g. 15s, 1m)").
				Value(&a.PollInterval).
				Validate(func(s string) error {
					_, err := time.ParseDuration(s)
					return err
				}),
			huh.NewInput().
				Title("Fee per batch").
				Value(&a.FeePerBatch).
				Validate(validateNonNegative),
			huh.NewInput().
				Title("Initial treasury").
				Value(&a.Treasury).
				Validate(validateNonNegative),
		),
	).Run()
	if err != nil {
		return err
	}

	// server
	screen("STEP 5: SERVER")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("HTTP listen address").
				Value(&a.HTTPAddr),
			huh.NewInput().
				Title("Log directory").
				Value(&a.WALDir),
		),
	).Run()
	if err != nil {
		return err
	}

	// confirmation
	screen("FINAL CONFIRMATION")

	summary := fmt.Sprintf(
		"Admin: %s\nExecutor: %s\nBatch mode: %s\nKeeper: %t every %s\nHTTP: %s\n",
		a.Admin, a.Executor, a.BatchMode, a.KeeperEnabled, a.PollInterval, a.HTTPAddr,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
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

	cfgTmp, err := a.ConfigTmp()
	if err != nil {
		return err
	}
	if err := config.WriteYaml(path, cfgTmp); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting engine...", path)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

// ConfigTmp converts the answers into the YAML representation.
func (a Answers) ConfigTmp() (config.ConfigTmp, error) {
	pollInterval, err := time.ParseDuration(a.PollInterval)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("invalid poll interval: %w", err)
	}
	minSlippage, err := decimal.NewFromString(a.MinSlippage)
	if err != nil {
		return config.ConfigTmp{}, fmt.Errorf("invalid min slippage: %w", err)
	}

	return config.ConfigTmp{
		Admin:         strings.TrimSpace(a.Admin),
		Executor:      strings.TrimSpace(a.Executor),
		WrappedNative: strings.TrimSpace(a.WrappedNative),
		MinSlippage:   minSlippage.IntPart(),
		BatchMode:     a.BatchMode,
		RPCURL:        strings.TrimSpace(a.RPCURL),
		RouterAddress: strings.TrimSpace(a.RouterAddress),
		HTTPAddr:      a.HTTPAddr,
		WALDir:        a.WALDir,
		Keeper: config.KeeperTmp{
			Enabled:      a.KeeperEnabled,
			PollInterval: pollInterval,
			FeePerBatch:  a.FeePerBatch,
			Treasury:     a.Treasury,
		},
	}, nil
}

func validateAddress(s string) error {
	if !common.IsHexAddress(strings.TrimSpace(s)) {
		return fmt.Errorf("must be a 0x-prefixed hex address")
	}
	return nil
}

func validateSlippage(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() {
		return fmt.Errorf("must be a whole number")
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1000)) {
		return fmt.Errorf("must be between 0 and 999")
	}
	return nil
}

func validateNonNegative(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() {
		return fmt.Errorf("must not be negative")
	}
	return nil
}
