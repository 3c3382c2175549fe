package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	failoverNone = "none"
	failoverNext = "next"

	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

type Config struct {
	adminFailover      string
	adminName          string
	bind               string
	closeGrace         time.Duration
	dbDriver           string
	dbURL              string
	externalTimeout    time.Duration
	jiraPointsField    string
	jiraToken          string
	jiraURL            string
	jiraUser           string
	maxTimer           int
	port               int
	prefix             string
	profile            bool
	reportUnauthorized bool
	slackWebhookURL    string
	storeTimeout       time.Duration
	tlsCert            string
	tlsKey             string
	verbose            bool
	version            bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	switch c.dbDriver {
	case driverSQLite, driverPostgres:
	default:
		return fmt.Errorf("invalid database driver (must be %q or %q): %s", driverSQLite, driverPostgres, c.dbDriver)
	}
	if c.dbURL == "" {
		return errors.New("--db-url must not be empty")
	}
	switch c.adminFailover {
	case failoverNone, failoverNext:
	default:
		return fmt.Errorf("invalid admin failover policy (must be %q or %q): %s", failoverNone, failoverNext, c.adminFailover)
	}
	if strings.TrimSpace(c.adminName) == "" {
		return errors.New("--admin-name must not be empty")
	}
	if c.maxTimer < 1 {
		return fmt.Errorf("invalid max timer (must be at least 1 second): %d", c.maxTimer)
	}
	if c.storeTimeout <= 0 || c.externalTimeout <= 0 {
		return errors.New("--store-timeout and --external-timeout must be positive")
	}
	if c.jiraURL != "" && (c.jiraUser == "" || c.jiraToken == "") {
		return errors.New("--jira-user and --jira-token are required when --jira-url is set")
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("POINTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "pointbox",
		Short:         "A real-time planning poker server for estimating stories as a team.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.adminFailover, "admin-failover", failoverNone, "what happens when the admin disconnects: none or next (env: POINTBOX_ADMIN_FAILOVER)")
	fs.StringVar(&cfg.adminName, "admin-name", "admin", "name of the bootstrap admin identity (env: POINTBOX_ADMIN_NAME)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: POINTBOX_BIND)")
	fs.DurationVar(&cfg.closeGrace, "close-grace", 2*time.Second, "delay between announcing and performing a server shutdown (env: POINTBOX_CLOSE_GRACE)")
	fs.StringVar(&cfg.dbDriver, "db-driver", driverSQLite, "database driver: sqlite or postgres (env: POINTBOX_DB_DRIVER)")
	fs.StringVar(&cfg.dbURL, "db-url", "sessions.db", "database path (sqlite) or connection string (postgres) (env: POINTBOX_DB_URL)")
	fs.DurationVar(&cfg.externalTimeout, "external-timeout", 10*time.Second, "timeout for issue tracker and chat webhook requests (env: POINTBOX_EXTERNAL_TIMEOUT)")
	fs.StringVar(&cfg.jiraPointsField, "jira-points-field", "customfield_10026", "jira field holding story points (env: POINTBOX_JIRA_POINTS_FIELD)")
	fs.StringVar(&cfg.jiraToken, "jira-token", "", "jira api token (env: POINTBOX_JIRA_TOKEN)")
	fs.StringVar(&cfg.jiraURL, "jira-url", "", "jira base url, e.g. https://example.atlassian.net (env: POINTBOX_JIRA_URL)")
	fs.StringVar(&cfg.jiraUser, "jira-user", "", "jira account email (env: POINTBOX_JIRA_USER)")
	fs.IntVar(&cfg.maxTimer, "max-timer", 600, "longest voting countdown allowed, in seconds (env: POINTBOX_MAX_TIMER)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: POINTBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: POINTBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: POINTBOX_PROFILE)")
	fs.BoolVar(&cfg.reportUnauthorized, "report-unauthorized", false, "reply with an error to admin commands sent by non-admins (env: POINTBOX_REPORT_UNAUTHORIZED)")
	fs.StringVar(&cfg.slackWebhookURL, "slack-webhook-url", "", "slack incoming webhook for session summaries (env: POINTBOX_SLACK_WEBHOOK_URL)")
	fs.DurationVar(&cfg.storeTimeout, "store-timeout", 5*time.Second, "timeout for a single database operation (env: POINTBOX_STORE_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: POINTBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: POINTBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: POINTBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: POINTBOX_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("pointbox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
