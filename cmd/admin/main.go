// Command admin is the moderation CLI: it seeds admin accounts, lists and
// inspects reports, and bans or dismisses them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/admin"
	"github.com/whisper/strangers/internal/ban"
	"github.com/whisper/strangers/internal/config"
	"github.com/whisper/strangers/internal/database"
	"github.com/whisper/strangers/internal/logger"
	"github.com/whisper/strangers/internal/messaging"
	"github.com/whisper/strangers/internal/report"
)

const usage = `usage: admin <command> [args]

commands:
  seed-admin <username> <password>   create an admin account
  reports [limit] [offset]           list pending reports, newest first
  show <report-id>                   print a report and its transcript
  ban <report-id>                    ban the reported address and close the report
  dismiss <report-id>                close a report without action
  bans                               list banned addresses
  unban <address>                    lift a ban

ban, dismiss and unban require WHISPER_ADMIN_USERNAME and
WHISPER_ADMIN_PASSWORD to match a seeded admin account.
`

type reportStore interface {
	Get(ctx context.Context, id string) (*report.Report, error)
	List(ctx context.Context, limit, offset int) ([]*report.Report, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, id string) error
}

type banStore interface {
	SaveBan(ctx context.Context, b *ban.Ban) error
	DeleteBan(ctx context.Context, addr string) error
	List(ctx context.Context) ([]*ban.Ban, error)
}

type adminStore interface {
	Create(ctx context.Context, username, password string) error
	Verify(ctx context.Context, username, password string) error
}

type banPublisher interface {
	PublishBanApplied(ev messaging.BanApplied) error
}

type banCache interface {
	Invalidate(ctx context.Context, addr string) error
}

// app holds the CLI's dependencies. publisher and cache may be nil.
type app struct {
	reports   reportStore
	bans      banStore
	admins    adminStore
	operator  config.AdminConfig
	publisher banPublisher
	cache     banCache
	out       io.Writer
	now       func() time.Time
	log       *zap.Logger
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "admin: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "admin: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.WithModule("admin")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.Migrate(cfg.Database.DSN); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}
	db, err := database.Open(ctx, cfg.Database.DSN, 2)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	a := &app{
		reports:  report.NewStore(db),
		bans:     ban.NewStore(db),
		admins:   admin.NewStore(db),
		operator: cfg.Admin,
		out:      os.Stdout,
		now:      time.Now,
		log:      log,
	}

	var closers []io.Closer
	closers = append(closers, db)

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.cache = ban.NewCache(rdb, cfg.Admission.BanCacheTTL, cfg.Admission.BanCacheTTL/5)
		closers = append(closers, rdb)
	}
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "whisper-admin"
		natsConfig.MaxReconnects = 0
		if nc, err := messaging.NewNATSClient(natsConfig); err != nil {
			log.Warn("nats unavailable, bans will not reach live servers", zap.Error(err))
		} else {
			a.publisher = nc
			closers = append(closers, nc)
		}
	}

	runErr := a.run(ctx, os.Args[1:])

	var closeErr error
	for _, c := range closers {
		closeErr = multierr.Append(closeErr, c.Close())
	}
	if closeErr != nil {
		log.Warn("close failed", zap.Error(closeErr))
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "admin: %v\n", runErr)
		if errors.Is(runErr, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid arguments")

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "seed-admin":
		if len(rest) != 2 {
			return errUsage
		}
		return a.seedAdmin(ctx, rest[0], rest[1])
	case "reports":
		limit, offset := 20, 0
		var err error
		if len(rest) > 0 {
			if limit, err = strconv.Atoi(rest[0]); err != nil || limit <= 0 {
				return errUsage
			}
		}
		if len(rest) > 1 {
			if offset, err = strconv.Atoi(rest[1]); err != nil || offset < 0 {
				return errUsage
			}
		}
		return a.listReports(ctx, limit, offset)
	case "show":
		if len(rest) != 1 {
			return errUsage
		}
		return a.showReport(ctx, rest[0])
	case "ban":
		if len(rest) != 1 {
			return errUsage
		}
		if err := a.authorize(ctx); err != nil {
			return err
		}
		return a.banReport(ctx, rest[0])
	case "dismiss":
		if len(rest) != 1 {
			return errUsage
		}
		if err := a.authorize(ctx); err != nil {
			return err
		}
		return a.dismissReport(ctx, rest[0])
	case "bans":
		return a.listBans(ctx)
	case "unban":
		if len(rest) != 1 {
			return errUsage
		}
		if err := a.authorize(ctx); err != nil {
			return err
		}
		return a.unban(ctx, rest[0])
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// authorize checks the operator credentials against the admins table.
func (a *app) authorize(ctx context.Context) error {
	if a.operator.Username == "" || a.operator.Password == "" {
		return fmt.Errorf("%w: WHISPER_ADMIN_USERNAME and WHISPER_ADMIN_PASSWORD are not set", admin.ErrInvalidCredentials)
	}
	if err := a.admins.Verify(ctx, a.operator.Username, a.operator.Password); err != nil {
		a.log.Warn("admin authorization failed", zap.String("username", a.operator.Username), zap.Error(err))
		return err
	}
	a.log.Debug("admin authorized", zap.String("username", a.operator.Username))
	return nil
}

func (a *app) seedAdmin(ctx context.Context, username, password string) error {
	if err := a.admins.Create(ctx, username, password); err != nil {
		if errors.Is(err, admin.ErrExists) {
			fmt.Fprintf(a.out, "admin %q already exists\n", username)
			return nil
		}
		return err
	}
	fmt.Fprintf(a.out, "admin %q created\n", username)
	return nil
}

func (a *app) listReports(ctx context.Context, limit, offset int) error {
	total, err := a.reports.Count(ctx)
	if err != nil {
		return err
	}
	list, err := a.reports.List(ctx, limit, offset)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tREPORTED\tREASON\tFILED")
	for _, r := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.ReportedAddr, r.Reason, r.CreatedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%d of %d pending\n", len(list), total)
	return nil
}

func (a *app) showReport(ctx context.Context, id string) error {
	r, err := a.reports.Get(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "report    %s\n", r.ID)
	fmt.Fprintf(a.out, "kind      %s\n", r.Kind)
	fmt.Fprintf(a.out, "room      %s\n", r.RoomID)
	fmt.Fprintf(a.out, "reporter  %s (%s)\n", r.ReporterID, r.ReporterAddr)
	fmt.Fprintf(a.out, "reported  %s (%s)\n", r.ReportedID, r.ReportedAddr)
	fmt.Fprintf(a.out, "reason    %s\n", r.Reason)
	fmt.Fprintf(a.out, "filed     %s\n", r.CreatedAt.Format(time.RFC3339))
	if r.CallDuration != nil {
		fmt.Fprintf(a.out, "duration  %.1fs\n", *r.CallDuration)
	}
	if len(r.Transcript) > 0 {
		fmt.Fprintln(a.out, "transcript:")
		for _, e := range r.Transcript {
			who := "reported"
			if e.SenderID == r.ReporterID {
				who = "reporter"
			}
			fmt.Fprintf(a.out, "  [%s] %s: %s\n", e.Timestamp.Format(time.TimeOnly), who, e.Message)
		}
	}
	return nil
}

// banReport bans the reported address, closes the report and tells live
// servers to evict the address.
func (a *app) banReport(ctx context.Context, id string) error {
	r, err := a.reports.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.ReportedAddr == "" {
		return fmt.Errorf("report %s has no reported address", id)
	}

	b := &ban.Ban{
		Address:   r.ReportedAddr,
		Reason:    "Reported on " + r.CreatedAt.Format(time.RFC3339),
		CreatedAt: a.now().UTC(),
	}
	switch err := a.bans.SaveBan(ctx, b); {
	case errors.Is(err, ban.ErrAlreadyBanned):
		fmt.Fprintf(a.out, "%s is already banned\n", b.Address)
	case err != nil:
		return err
	default:
		fmt.Fprintf(a.out, "banned %s\n", b.Address)
	}

	if err := a.reports.Delete(ctx, id); err != nil && !errors.Is(err, report.ErrNotFound) {
		return err
	}
	a.announceBan(ctx, b, id)
	return nil
}

func (a *app) announceBan(ctx context.Context, b *ban.Ban, reportID string) {
	if a.cache != nil {
		if err := a.cache.Invalidate(ctx, b.Address); err != nil {
			a.log.Warn("ban cache invalidate failed", zap.String("addr", b.Address), zap.Error(err))
		}
	}
	if a.publisher == nil {
		return
	}
	err := a.publisher.PublishBanApplied(messaging.BanApplied{
		Address:  b.Address,
		Reason:   b.Reason,
		ReportID: reportID,
		BannedAt: b.CreatedAt,
	})
	if err != nil {
		a.log.Warn("ban announcement failed", zap.String("addr", b.Address), zap.Error(err))
	}
}

func (a *app) dismissReport(ctx context.Context, id string) error {
	if err := a.reports.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "dismissed %s\n", id)
	return nil
}

func (a *app) listBans(ctx context.Context) error {
	list, err := a.bans.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tREASON\tSINCE")
	for _, b := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Address, b.Reason, b.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (a *app) unban(ctx context.Context, addr string) error {
	if err := a.bans.DeleteBan(ctx, addr); err != nil {
		return err
	}
	if a.cache != nil {
		if err := a.cache.Invalidate(ctx, addr); err != nil {
			a.log.Warn("ban cache invalidate failed", zap.String("addr", addr), zap.Error(err))
		}
	}
	fmt.Fprintf(a.out, "unbanned %s\n", addr)
	return nil
}
