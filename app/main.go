package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/dualstack/app/alert"
	"github.com/umputun/dualstack/app/autosave"
	"github.com/umputun/dualstack/app/backend"
	"github.com/umputun/dualstack/app/loop"
	"github.com/umputun/dualstack/app/resumer"
	"github.com/umputun/dualstack/app/schema"
	"github.com/umputun/dualstack/app/server"
	"github.com/umputun/dualstack/app/store"
)

var opts struct {
	Schema      string `short:"s" long:"schema" env:"DUALSTACK_SCHEMA" default:"Example" description:"schema identifier"`
	Models      string `short:"m" long:"models" env:"DUALSTACK_MODELS" default:"models" description:"schema descriptors directory"`
	Data        string `short:"d" long:"data" env:"DUALSTACK_DATA" description:"store directory, user config dir by default"`
	Entity      string `short:"e" long:"entity" env:"DUALSTACK_ENTITY" default:"Timestamp" description:"entity for add and list"`
	Add         int    `long:"add" env:"DUALSTACK_ADD" description:"insert N objects, saving each"`
	List        bool   `long:"list" env:"DUALSTACK_LIST" description:"list objects of the entity"`
	Autosave    string `long:"autosave" env:"DUALSTACK_AUTOSAVE" description:"autosave schedule, i.e. \"@every 30s\""`
	PrintSchema bool   `long:"print-schema" description:"print JSON schema of descriptors and exit"`
	Verify      bool   `long:"verify" description:"verify all descriptors in models directory and exit"`
	Dbg         bool   `long:"dbg" env:"DUALSTACK_DEBUG" description:"debug mode"`

	Resume struct {
		Enabled  bool   `long:"enabled" env:"ENABLED" description:"keep uncommitted changes between runs"`
		Location string `long:"location" env:"LOCATION" description:"resume files location, <data>/resume by default"`
	} `group:"resume" namespace:"resume" env-namespace:"DUALSTACK_RESUME"`

	Backend struct {
		NoAutoMigrate  bool   `long:"no-auto-migrate" env:"NO_AUTO_MIGRATE" description:"refuse to open stores of older model versions"`
		NoInferMapping bool   `long:"no-infer-mapping" env:"NO_INFER_MAPPING" description:"don't infer mapping between model versions"`
		JournalMode    string `long:"journal-mode" env:"JOURNAL_MODE" default:"DELETE" description:"sqlite journal mode"`
		MinFree        uint64 `long:"min-free" env:"MIN_FREE" default:"0" description:"min free bytes on data filesystem, 0 to skip check"`
	} `group:"backend" namespace:"backend" env-namespace:"DUALSTACK_BACKEND"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"attempts of each durable commit"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"100ms" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"DUALSTACK_REPEATER"`

	Alert struct {
		Destinations []string      `long:"dest" env:"DEST" env-delim:"," description:"webhook urls for durable failure alerts"`
		Threshold    int           `long:"threshold" env:"THRESHOLD" default:"3" description:"consecutive failures before alert"`
		Timeout      time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"alert send timeout"`
		HostName     string        `long:"host" env:"HOSTNAME" description:"host name in alerts"`
	} `group:"alert" namespace:"alert" env-namespace:"DUALSTACK_ALERT"`

	Web struct {
		Enabled      bool    `long:"enabled" env:"ENABLED" description:"enable web server"`
		Address      string  `long:"address" env:"ADDRESS" default:"127.0.0.1:8080" description:"web server listen address"`
		PasswordHash string  `long:"password-hash" env:"PASSWORD_HASH" description:"bcrypt hash for basic auth of writes"`
		WriteLimit   float64 `long:"write-limit" env:"WRITE_LIMIT" default:"10" description:"write requests per second per client"`
	} `group:"web" namespace:"web" env-namespace:"DUALSTACK_WEB"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"dualstack.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"DUALSTACK_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("dualstack %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	switch {
	case opts.PrintSchema:
		if err := printSchema(os.Stdout); err != nil {
			log.Printf("[ERROR] %v", err)
			os.Exit(1)
		}
		return
	case opts.Verify:
		if err := verify(os.Stdout, opts.Models); err != nil {
			log.Printf("[ERROR] %v", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT, SIGINT and SIGTERM
	if err := run(ctx, cancel, os.Stdout); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run opens the store and runs the foreground loop on the calling goroutine until ctx is done.
// Without web server and autosave it stops after add and list.
func run(ctx context.Context, cancel context.CancelFunc, out io.Writer) error {
	fg := loop.New("foreground")

	var coord *store.Coordinator
	var sched *autosave.Scheduler
	var setupErr error

	shutdown := func() {
		if sched != nil {
			sched.Stop()
		}
		if coord == nil {
			fg.Close()
			return
		}
		if err := coord.Save(); err != nil {
			log.Printf("[WARN] final save failed, %v", err)
		}
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := coord.Flush(closeCtx); err != nil {
			log.Printf("[WARN] final flush failed, %v", err)
		}
		if err := coord.Close(closeCtx); err != nil {
			log.Printf("[WARN] %v", err)
		}
		fg.Close()
	}

	onReady := func(c *store.Coordinator, err error) {
		if err != nil {
			setupErr = err
			cancel()
			return
		}
		coord = c
		if err := addObjects(c, opts.Entity, opts.Add); err != nil {
			setupErr = err
			cancel()
			return
		}
		if opts.List {
			if err := listObjects(ctx, out, c, opts.Entity); err != nil {
				setupErr = err
				cancel()
				return
			}
		}

		longRunning := false
		if opts.Autosave != "" {
			s, err := autosave.New(opts.Autosave, fg, c.Save)
			if err != nil {
				setupErr = err
				cancel()
				return
			}
			sched = s
			sched.Start()
			longRunning = true
		}
		if opts.Web.Enabled {
			srv := server.New(server.Config{Store: c, Foreground: fg, Version: revision,
				PasswordHash: opts.Web.PasswordHash, WriteLimit: opts.Web.WriteLimit})
			go func() {
				if err := srv.Run(ctx, opts.Web.Address); err != nil {
					log.Printf("[ERROR] %v", err)
					cancel()
				}
			}()
			longRunning = true
		}
		if !longRunning {
			cancel()
		}
	}

	store.Open(makeStoreConfig(), fg, onReady)

	go func() {
		<-ctx.Done()
		if !fg.Post(shutdown) {
			log.Printf("[DEBUG] foreground already closed")
		}
	}()

	if err := fg.Run(context.Background()); err != nil {
		return fmt.Errorf("foreground loop failed: %w", err)
	}
	return setupErr
}

func makeStoreConfig() store.Config {
	dataDir := opts.Data
	if dataDir == "" {
		dataDir = store.DefaultDataDir()
	}
	cfg := store.Config{
		SchemaID:  opts.Schema,
		ModelsDir: opts.Models,
		DataDir:   dataDir,
		Options: backend.Options{
			NoAutoMigrate:  opts.Backend.NoAutoMigrate,
			NoInferMapping: opts.Backend.NoInferMapping,
			JournalMode:    opts.Backend.JournalMode,
			MinFreeBytes:   opts.Backend.MinFree,
		},
		Repeater: store.DefaultRepeater(opts.Repeater.Attempts, opts.Repeater.Duration, opts.Repeater.Factor,
			opts.Repeater.Jitter),
	}
	if opts.Resume.Enabled {
		location := opts.Resume.Location
		if location == "" {
			location = filepath.Join(dataDir, "resume")
		}
		cfg.Resumer = resumer.New(location, true)
		log.Printf("[INFO] resumer %s", cfg.Resumer)
	}

	observers := store.MultiObserver{}
	if a := makeAlerter(); a != nil {
		observers = append(observers, a)
	}
	if len(observers) > 0 {
		cfg.Observer = observers
	}
	return cfg
}

func makeAlerter() *alert.Alerter {
	if len(opts.Alert.Destinations) == 0 {
		return nil
	}
	webhook := notify.NewWebhook(notify.WebhookParams{Timeout: opts.Alert.Timeout})
	return alert.New(alert.Params{
		Destinations: opts.Alert.Destinations,
		Threshold:    opts.Alert.Threshold,
		Timeout:      opts.Alert.Timeout,
		HostName:     opts.Alert.HostName,
	}, webhook)
}

// addObjects inserts n objects with generated values, each followed by save
func addObjects(c *store.Coordinator, entity string, n int) error {
	if n <= 0 {
		return nil
	}
	e, ok := c.Model().Entity(entity)
	if !ok {
		return fmt.Errorf("unknown entity %q in schema %s", entity, c.SchemaID())
	}
	ic := c.Interactive()
	for i := range n {
		id := ic.Insert(e.Name, sampleValues(e, i))
		if err := c.Save(); err != nil {
			ic.Rollback()
			return fmt.Errorf("can't add %s: %w", e.Name, err)
		}
		log.Printf("[DEBUG] added %s %s", e.Name, id)
	}
	log.Printf("[INFO] added %d %s objects", n, e.Name)
	return nil
}

// sampleValues makes values for every attribute of the entity
func sampleValues(e *schema.Entity, n int) map[string]any {
	res := make(map[string]any, len(e.Attributes))
	for _, a := range e.Attributes {
		switch a.Type {
		case schema.TypeDate:
			res[a.Name] = time.Now()
		case schema.TypeString:
			res[a.Name] = fmt.Sprintf("%s-%d", strings.ToLower(e.Name), n+1)
		case schema.TypeInt:
			res[a.Name] = n + 1
		case schema.TypeFloat:
			res[a.Name] = float64(n+1) / 10
		case schema.TypeBool:
			res[a.Name] = n%2 == 0
		}
	}
	return res
}

func listObjects(ctx context.Context, out io.Writer, c *store.Coordinator, entity string) error {
	objs, err := c.Interactive().Fetch(ctx, backend.FetchRequest{Entity: entity})
	if err != nil {
		return fmt.Errorf("can't list %s: %w", entity, err)
	}
	for _, o := range objs {
		values, err := json.Marshal(o.Values)
		if err != nil {
			return fmt.Errorf("can't encode %s %s: %w", entity, o.ID, err)
		}
		fmt.Fprintf(out, "%s %s\n", o.ID, values)
	}
	fmt.Fprintf(out, "%d %s objects in %s\n", len(objs), entity, c.StorePath())
	return nil
}

func printSchema(out io.Writer) error {
	data, err := schema.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func verify(out io.Writer, dir string) error {
	models, err := schema.LoadAll(dir)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	for _, m := range models {
		names := make([]string, 0, len(m.Entities))
		for _, e := range m.Entities {
			names = append(names, e.Name)
		}
		fmt.Fprintf(out, "%s v%d: %s\n", m.Name, m.Version, strings.Join(names, ", "))
	}
	fmt.Fprintf(out, "%d descriptors verified in %s\n", len(models), dir)
	return nil
}

func setupLogs() io.Writer {
	out := io.Writer(os.Stdout)
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	logOpts := []log.Option{log.Msec, log.LevelBraces, log.Out(out), log.Err(out)}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc)
	}
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
