package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/contraparty/internal/cache"
	"github.com/ggonzalez94/contraparty/internal/config"
	clierr "github.com/ggonzalez94/contraparty/internal/errors"
	"github.com/ggonzalez94/contraparty/internal/execution"
	"github.com/ggonzalez94/contraparty/internal/execution/signer"
	"github.com/ggonzalez94/contraparty/internal/id"
	"github.com/ggonzalez94/contraparty/internal/logging"
	"github.com/ggonzalez94/contraparty/internal/model"
	"github.com/ggonzalez94/contraparty/internal/out"
	"github.com/ggonzalez94/contraparty/internal/policy"
	"github.com/ggonzalez94/contraparty/internal/registry"
	"github.com/ggonzalez94/contraparty/internal/schema"
	"github.com/ggonzalez94/contraparty/internal/session"
	"github.com/ggonzalez94/contraparty/internal/version"
	"github.com/ggonzalez94/contraparty/internal/wallet"
)

type Runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdin:  os.Stdin,
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	logger        log.Logger
	engine        *engine
	cache         *cache.Store
	actionStore   *execution.Store
	root          *cobra.Command
	lastCommand   string
	lastNetwork   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: logging.Discard()}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetIn(r.stdin)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err, state.lastWarnings, state.lastProviders)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.cache != nil {
		_ = s.cache.Close()
		s.cache = nil
	}
	if s.actionStore != nil {
		_ = s.actionStore.Close()
		s.actionStore = nil
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Swap aggregator quotes and execution",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			logger, err := logging.New(s.runner.stderr, settings.LogLevel, settings.LogFormat)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.logger = logger

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path, schema.Signs(cmd)); err != nil {
				return err
			}

			if s.engine == nil {
				eng, err := newEngine(settings, logger)
				if err != nil {
					return err
				}
				s.engine = eng
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Backend and RPC request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per backend or RPC request")
	cmd.PersistentFlags().Float64Var(&s.flags.RequestsPerSecond, "rps", 0, "Rate limit for HTTP quote backends (requests per second)")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the token metadata cache")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.EnvFile, "env-file", "", "Path to a .env file")
	cmd.PersistentFlags().StringVar(&s.flags.Network, "network", "", "Network key (see networks list)")
	cmd.PersistentFlags().StringVar(&s.flags.NetworksPath, "networks-file", "", "YAML file overriding or extending the network catalogue")
	cmd.PersistentFlags().StringSliceVar(&s.flags.RPCURLs, "rpc-url", nil, "RPC endpoint tried before the network's own (repeatable)")
	cmd.PersistentFlags().StringVar(&s.flags.Slippage, "slippage", "", "Slippage mode (auto|0.1|0.5|1|custom)")
	cmd.PersistentFlags().StringVar(&s.flags.CustomSlippage, "custom-slippage", "", "Custom slippage percentage (implies --slippage custom)")
	cmd.PersistentFlags().StringVar(&s.flags.Recipient, "recipient", "", "Receive the output at this address instead of the wallet")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (trace|debug|info|warn|error|off)")
	cmd.PersistentFlags().StringVar(&s.flags.LogFormat, "log-format", "", "Log format (terminal|json)")
	cmd.PersistentFlags().StringVar(&s.flags.KeySource, "key-source", "", "Signing key source (auto|env|file|keystore)")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newNetworksCommand())
	cmd.AddCommand(s.newTokensCommand())
	cmd.AddCommand(s.newRouteCommand())
	cmd.AddCommand(s.newQuoteCommand())
	cmd.AddCommand(s.newButtonCommand())
	cmd.AddCommand(s.newBalanceCommand())
	cmd.AddCommand(s.newApprovalsCommand())
	cmd.AddCommand(s.newActionsCommand())
	cmd.AddCommand(s.newSwapCommand())
	cmd.AddCommand(s.newWatchCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
	return cmd
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Quote backend commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List quote backends and the networks they serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.engine.providerInfos(), nil, cacheMetaBypass(), nil)
		},
	}
	root.AddCommand(list)
	return root
}

// formFlags are the swap form inputs shared by the quoting commands. Network,
// slippage and recipient come from the global flags.
type formFlags struct {
	from   string
	to     string
	amount string
	route  string
}

func addFormFlags(cmd *cobra.Command, f *formFlags) {
	cmd.Flags().StringVar(&f.from, "from", "", "Token to sell (symbol or address, defaults to the network pair)")
	cmd.Flags().StringVar(&f.to, "to", "", "Token to buy (symbol or address, defaults to the network pair)")
	cmd.Flags().StringVar(&f.amount, "amount", "", "Amount to sell in token units (e.g. 1.5)")
	cmd.Flags().StringVar(&f.route, "route", "", "Shared route, e.g. #/8453/swap/weth/0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
}

type walletFlags struct {
	privateKey     string
	confirmAddress string
}

func addWalletFlags(cmd *cobra.Command, f *walletFlags) {
	cmd.Flags().StringVar(&f.privateKey, "private-key", "", "Hex private key (prefer the key file or keystore sources)")
	cmd.Flags().StringVar(&f.confirmAddress, "confirm-address", "", "Require the signer address to match this value")
}

// pickNetwork resolves the network a form would start on.
func (s *runtimeState) pickNetwork(f formFlags) (registry.Network, error) {
	route := id.ParseRoute(f.route)
	key := s.engine.catalogue.Pick(route.ChainID, s.settings.Network)
	network, ok := s.engine.catalogue.Get(key)
	if !ok || !network.IsSupported() {
		return registry.Network{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no supported network available (requested %q)", s.settings.Network))
	}
	s.lastNetwork = network.Key
	return network, nil
}

// openWallet loads the signing key into a local wallet on network. When the
// key is optional a missing key yields a nil wallet.
func (s *runtimeState) openWallet(network registry.Network, f walletFlags, required bool, confirm wallet.ConfirmFunc) (*wallet.LocalWallet, error) {
	var prompt signer.PasswordPrompt
	if required {
		prompt = s.passwordPrompt()
	}
	txSigner, err := signer.NewLocalSignerFromInputs(s.settings.KeySource, f.privateKey, prompt)
	if err != nil {
		if !required && strings.TrimSpace(f.privateKey) == "" {
			s.logger.Debug("continuing without wallet", "err", err)
			return nil, nil
		}
		return nil, clierr.Wrap(clierr.CodeSigner, "load signing key", err)
	}
	s.logger.Debug("signing key loaded", "signer", txSigner.Describe())
	if want := strings.TrimSpace(f.confirmAddress); want != "" && !id.SameAddress(want, txSigner.Address().Hex()) {
		return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("signer address %s does not match --confirm-address %s", txSigner.Address().Hex(), want))
	}
	return wallet.NewLocal(wallet.LocalOptions{
		Signer:       txSigner,
		Catalogue:    s.engine.catalogue,
		ChainID:      network.ChainID,
		RPCOverrides: s.settings.RPCURLs,
		Confirm:      confirm,
		Connected:    true,
		Timeout:      s.settings.Timeout,
		Logger:       s.logger,
	})
}

// newSession builds the form for a command. Callbacks, the wallet and the
// activity source are taken from opts; everything else comes from settings
// and the engine.
func (s *runtimeState) newSession(ctx context.Context, f formFlags, w *wallet.LocalWallet, opts session.Options) (*session.Session, error) {
	opts.Catalogue = s.engine.catalogue
	opts.NetworkKey = s.settings.Network
	opts.Route = id.ParseRoute(f.route)
	opts.Amount = f.amount
	opts.Recipient = s.settings.Recipient
	opts.SlippageMode = s.settings.SlippageMode
	opts.CustomSlippage = s.settings.CustomSlippage
	opts.RPCOverrides = s.settings.RPCURLs
	opts.Aggregator = s.engine.aggregator
	opts.Readers = s.engine.readers
	opts.Approvals = s.engine.approvals
	if w != nil {
		opts.Wallet = w
	}
	opts.TokenCache = s.cache
	opts.TokenCacheTTL = s.settings.TokenCacheTTL
	opts.Debounce = s.settings.Debounce
	opts.RefreshInterval = s.settings.RefreshInterval
	opts.Logger = s.logger

	sess, err := session.New(opts)
	if err != nil {
		return nil, err
	}
	s.lastNetwork = sess.Network().Key
	if err := sess.SelectToken(ctx, session.SideFrom, f.from); err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "select --from token", err)
	}
	if err := sess.SelectToken(ctx, session.SideTo, f.to); err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "select --to token", err)
	}
	return sess, nil
}

func (s *runtimeState) ensureActionStore() error {
	if s.actionStore != nil {
		return nil
	}
	store, err := execution.OpenStore(s.settings.ActionStorePath, s.settings.ActionLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open action store", err)
	}
	s.actionStore = store
	return nil
}

func (s *runtimeState) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.settings.Timeout)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Network:   s.lastNetwork,
			Providers: providers,
			Cache:     cacheStatus,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code, message := clierr.Describe(err)

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    int(code),
			Type:    code.Type(),
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Network:   s.lastNetwork,
			Providers: providers,
			Cache:     cacheMetaBypass(),
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

// cacheMeta reports whether the token metadata cache was available to the
// command.
func (s *runtimeState) cacheMeta() model.CacheStatus {
	if s.cache == nil {
		return cacheMetaBypass()
	}
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// shouldOpenCache is false for commands that never resolve token metadata.
func shouldOpenCache(commandPath string) bool {
	switch normalizeCommandPath(commandPath) {
	case "", "version", "schema", "providers", "providers list", "networks", "networks list",
		"route", "route parse", "actions", "actions list", "actions show":
		return false
	default:
		return true
	}
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
}
