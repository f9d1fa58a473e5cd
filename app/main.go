package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	ntf "github.com/go-pkgz/notify"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/brrow/uploadq/app/blob"
	"github.com/brrow/uploadq/app/conditions"
	"github.com/brrow/uploadq/app/events"
	"github.com/brrow/uploadq/app/grant"
	"github.com/brrow/uploadq/app/kv"
	"github.com/brrow/uploadq/app/notify"
	"github.com/brrow/uploadq/app/queue"
	"github.com/brrow/uploadq/app/resumer"
	"github.com/brrow/uploadq/app/service"
	"github.com/brrow/uploadq/app/uploader"
	"github.com/brrow/uploadq/app/web"
)

var opts struct {
	DataDir     string `short:"d" long:"data" env:"UPLOADQ_DATA" default:"var" description:"data directory"`
	KV          string `long:"kv" env:"UPLOADQ_KV" default:"file" choice:"file" choice:"sqlite" description:"queue snapshot backend"`
	Capacity    int    `long:"capacity" env:"UPLOADQ_CAPACITY" default:"50" description:"max jobs kept in queue"`
	Concurrency int    `long:"concurrency" env:"UPLOADQ_CONCURRENCY" default:"2" description:"parallel enqueue uploads"`
	Maintenance string `long:"maintenance" env:"UPLOADQ_MAINTENANCE" default:"@every 30s" description:"maintenance pass schedule"`
	Background  bool   `long:"background" env:"UPLOADQ_BACKGROUND" description:"start in background state"`
	NoResume    bool   `long:"no-resume" env:"UPLOADQ_NO_RESUME" description:"skip recovery pass on start"`
	Dbg         bool   `long:"dbg" env:"UPLOADQ_DEBUG" description:"debug mode"`

	Upload struct {
		URL     string        `long:"url" env:"URL" required:"true" description:"upload endpoint"`
		Token   string        `long:"token" env:"TOKEN" description:"bearer token for upload endpoint"`
		Field   string        `long:"field" env:"FIELD" default:"image" description:"form field of the file"`
		Entity  string        `long:"entity" env:"ENTITY" default:"misc" description:"entity type sent with upload"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"60s" description:"single upload timeout"`
	} `group:"upload" namespace:"upload" env-namespace:"UPLOADQ_UPLOAD"`

	Grant struct {
		ShortGrace      time.Duration `long:"short" env:"SHORT" default:"30s" description:"short grace grant duration"`
		LongMaintenance time.Duration `long:"long" env:"LONG" default:"10m" description:"long maintenance grant duration"`
	} `group:"grant" namespace:"grant" env-namespace:"UPLOADQ_GRANT"`

	Conditions struct {
		CPUBelow      int     `long:"cpu-below" env:"CPU_BELOW" description:"long grant only if cpu usage below, percent"`
		MemoryBelow   int     `long:"mem-below" env:"MEM_BELOW" description:"long grant only if memory usage below, percent"`
		LoadAvgBelow  float64 `long:"load-below" env:"LOAD_BELOW" description:"long grant only if 1m load average below"`
		DiskFreeAbove int     `long:"disk-free-above" env:"DISK_FREE_ABOVE" description:"long grant only if free disk above, percent"`
		DiskFreePath  string  `long:"disk-path" env:"DISK_PATH" default:"/" description:"path for disk free check"`
		Custom        string  `long:"custom" env:"CUSTOM" description:"shell command, long grant only on zero exit code"`
		MaxConcurrent int     `long:"max-concurrent" env:"MAX_CONCURRENT" default:"10" description:"max parallel condition checks"`
	} `group:"conditions" namespace:"conditions" env-namespace:"UPLOADQ_CONDITIONS"`

	Web struct {
		Enabled       bool    `long:"enabled" env:"ENABLED" description:"enable http api"`
		Address       string  `long:"address" env:"ADDRESS" default:"127.0.0.1:8080" description:"listen address"`
		PasswordHash  string  `long:"password-hash" env:"PASSWORD_HASH" description:"bcrypt hash for basic auth, user uploadq"`
		UploadsPerSec float64 `long:"rate" env:"RATE" default:"5" description:"upload requests per second per client"`
		MaxSize       int64   `long:"max-size" env:"MAX_SIZE" default:"33554432" description:"max request size"`
	} `group:"web" namespace:"web" env-namespace:"UPLOADQ_WEB"`

	Notify struct {
		OnRestore      bool          `long:"on-restore" env:"ON_RESTORE" description:"notify on restore summary"`
		OnAbandoned    bool          `long:"on-abandoned" env:"ON_ABANDONED" description:"notify on abandoned uploads"`
		Webhooks       []string      `long:"webhook" env:"WEBHOOK" env-delim:"," description:"webhook url(s)"`
		WebhookHeaders []string      `long:"webhook-header" env:"WEBHOOK_HEADER" env-delim:"," description:"webhook header(s), key:value"`
		SMTPHost       string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort       int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
		SMTPUsername   string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword   string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS        bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeOut    time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail      string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails       []string      `long:"to" env:"TO" env-delim:"," description:"SMTP to email(s)"`
		Timeout        time.Duration `long:"timeout" env:"TIMEOUT" default:"1m" description:"delivery timeout, retries included"`
		HostName       string        `long:"host" env:"HOSTNAME" description:"host name shown in messages"`
	} `group:"notify" namespace:"notify" env-namespace:"UPLOADQ_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"uploadq.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size, mb"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files, days"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"UPLOADQ_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("uploadq %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	out := setupLogs()
	if closer, ok := out.(io.Closer); ok {
		defer closer.Close() // nolint
	}

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := run(ctx, cancel); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run wires all components and blocks until ctx is done
func run(ctx context.Context, cancel context.CancelFunc) error {
	blobs, err := blob.New(filepath.Join(opts.DataDir, "pending"))
	if err != nil {
		return err
	}
	kvs, err := makeKV()
	if err != nil {
		return err
	}

	bus := events.NewBus()
	store, err := queue.Open(queue.Params{KV: kvs, Blobs: blobs, Events: bus, Capacity: opts.Capacity,
		LockPath: filepath.Join(opts.DataDir, "uploadq.lock")})
	if err != nil {
		_ = kvs.Close()
		return fmt.Errorf("can't open upload queue: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("[WARN] can't close upload queue, %v", err)
		}
	}()

	checker := conditions.NewChecker(opts.Conditions.MaxConcurrent)
	host := grant.NewLocalHost(opts.Grant.ShortGrace, opts.Grant.LongMaintenance, checker.Eligibility(makeConditions()))
	coordinator := grant.NewCoordinator(host, store, bus)

	up := uploader.New(opts.Upload.URL, opts.Upload.Timeout)
	up.Token, up.Field, up.EntityType = opts.Upload.Token, opts.Upload.Field, opts.Upload.Entity

	inFlight := service.NewDeDup()
	svc := &service.Service{
		Store:           store,
		Coordinator:     coordinator,
		Resumer:         resumer.New(store, up, inFlight, bus),
		Executor:        up,
		Cron:            cron.New(),
		DeDup:           inFlight,
		Events:          bus,
		Concurrency:     opts.Concurrency,
		MaintenanceSpec: opts.Maintenance,
		ResumeOnStart:   !opts.NoResume,
		StartBackground: opts.Background,
	}

	if notifier := makeNotifier(); notifier != nil {
		ch := bus.Listen(ctx, 100, events.RestoreComplete, events.JobResumedFailure)
		go notifier.Run(ctx, ch)
	}

	if opts.Web.Enabled {
		srv, err := web.New(web.Config{Uploads: svc, Version: revision, PasswordHash: opts.Web.PasswordHash,
			UploadsPerSec: opts.Web.UploadsPerSec, MaxUploadSize: opts.Web.MaxSize})
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Run(ctx, opts.Web.Address); err != nil {
				log.Printf("[ERROR] %v", err)
				cancel()
			}
		}()
	}

	signals(cancel, svc)
	svc.Do(ctx)
	return nil
}

func makeKV() (queue.KV, error) {
	if opts.KV == "sqlite" {
		if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("can't make data directory %s: %w", opts.DataDir, err)
		}
		return kv.NewSQLite(filepath.Join(opts.DataDir, "uploadq.db"))
	}
	return kv.NewFile(filepath.Join(opts.DataDir, "state"))
}

// makeConditions converts flags to long maintenance eligibility config, zero means not set
func makeConditions() conditions.Config {
	res := conditions.Config{DiskFreePath: opts.Conditions.DiskFreePath, Custom: opts.Conditions.Custom}
	if v := opts.Conditions.CPUBelow; v > 0 {
		res.CPUBelow = &v
	}
	if v := opts.Conditions.MemoryBelow; v > 0 {
		res.MemoryBelow = &v
	}
	if v := opts.Conditions.LoadAvgBelow; v > 0 {
		res.LoadAvgBelow = &v
	}
	if v := opts.Conditions.DiskFreeAbove; v > 0 {
		res.DiskFreeAbove = &v
	}
	return res
}

func makeNotifier() *notify.Service {
	if !opts.Notify.OnRestore && !opts.Notify.OnAbandoned {
		return nil
	}

	if len(opts.Notify.ToEmails) > 0 && opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "uploadq@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			OnRestore:   opts.Notify.OnRestore,
			OnAbandoned: opts.Notify.OnAbandoned,
			Timeout:     opts.Notify.Timeout,
			HostName:    makeHostName(),
		},
		notify.SendersParams{
			WebhookURLs: opts.Notify.Webhooks,
			WebhookHdrs: opts.Notify.WebhookHeaders,
			ToEmails:    opts.Notify.ToEmails,
			FromEmail:   opts.Notify.FromEmail,
			SMTP: ntf.SMTPParams{
				Host:     opts.Notify.SMTPHost,
				Port:     opts.Notify.SMTPPort,
				TLS:      opts.Notify.SMTPTLS,
				Username: opts.Notify.SMTPUsername,
				Password: opts.Notify.SMTPPassword,
				TimeOut:  opts.Notify.SMTPTimeOut,
			},
		},
	)
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures lgr, returns writer used for log output
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	if opts.Dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
		return out
	}
	log.Setup(log.Out(out), log.Err(out), log.Msec)
	return out
}

// lifecycle is the app state switch driven by signals
type lifecycle interface {
	Foreground()
	Background()
}

// signals handles SIGTERM, SIGQUIT prints stack traces, SIGUSR1 moves to background and SIGUSR2 to foreground
func signals(cancel context.CancelFunc, app lifecycle) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			switch sig {
			case syscall.SIGQUIT:
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
			case syscall.SIGUSR1:
				log.Printf("[INFO] moving to background")
				app.Background()
			case syscall.SIGUSR2:
				log.Printf("[INFO] moving to foreground")
				app.Foreground()
			default:
				cancel()
			}
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)
}
