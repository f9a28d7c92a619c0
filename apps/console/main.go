package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	consoleauth "github.com/shulehub/shule/console/auth"
	"github.com/shulehub/shule/console/backend"
	"github.com/shulehub/shule/console/identity"
	"github.com/shulehub/shule/console/impersonation"
	"github.com/shulehub/shule/console/route"
	consolesession "github.com/shulehub/shule/console/session"
	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/session"
	logsvc "github.com/shulehub/shule/services/logger"
)

const storageNamespace = "shule"

var readPasswordFunc = term.ReadPassword

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(
		log.New(os.Stderr, "CONSOLE : ", log.LstdFlags|log.Lmicroseconds),
		conf,
	)
	logger.Enable(!conf.Debug)

	storage, err := openStorage(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening session storage: %v", err), err)
	}

	app := &console{
		conf:     conf,
		logger:   logger,
		storage:  storage,
		store:    consolesession.NewStore(storage),
		provider: identity.NewRESTProvider(conf, nil),
		client:   backend.NewClient(conf),
		nav:      newTerminalNavigator(route.Root),
	}
	app.controller = impersonation.NewController(app.client, app.store, app.storage, app.nav, logger)

	// the session must be settled before anything renders
	if err := app.startManager(context.Background()); err != nil {
		logger.Fatal(fmt.Sprintf("starting auth manager: %v", err), err)
	}

	app.run(context.Background())
}

func openStorage(conf *core.Config) (consolesession.Storage, error) {
	dir := conf.Console.StateDir
	if dir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(configDir, "shule")
	}
	return consolesession.NewFileStorage(dir, storageNamespace)
}

type console struct {
	conf       *core.Config
	logger     core.Logger
	storage    consolesession.Storage
	store      *consolesession.Store
	provider   identity.Provider
	client     *backend.Client
	nav        *terminalNavigator
	manager    *consoleauth.Manager
	controller *impersonation.Controller
}

// startManager (re)builds the auth manager and runs its rehydration gate.
// A reload request tears the old manager down and comes back through here,
// mirroring what a full page reload does to a browser session.
func (app *console) startManager(ctx context.Context) error {
	if app.manager != nil {
		app.manager.Close()
	}
	app.manager = consoleauth.NewManager(app.provider, app.client, app.store, app.storage, app.nav, app.logger)
	return app.manager.Start(ctx)
}

func (app *console) run(ctx context.Context) {
	fmt.Printf("%s console. Type \"help\" for commands.\n", app.conf.AppName)
	app.printStatus()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "login":
			app.login(ctx, fields[1:])
		case "applogin":
			app.backendLogin(ctx, fields[1:])
		case "logout":
			app.manager.Logout(ctx)
			app.printStatus()
		case "impersonate":
			app.impersonate(ctx, fields[1:])
		case "stop":
			app.stopImpersonation(ctx)
		case "whoami":
			app.printStatus()
		case "help":
			printUsage()
		case "quit", "exit":
			app.manager.Close()
			return
		default:
			fmt.Printf("unknown command %q\n", fields[0])
			printUsage()
		}
	}
}

func printUsage() {
	fmt.Println("Commands:")
	fmt.Println("  login EMAIL      - sign in through the identity provider; the password is prompted next")
	fmt.Println("  applogin EMAIL   - sign in with backend credentials directly")
	fmt.Println("  logout           - sign out")
	fmt.Println("  impersonate ID   - view the console as another user (admins only)")
	fmt.Println("  stop             - stop impersonating")
	fmt.Println("  whoami           - show the current session")
	fmt.Println("  quit             - leave")
}

func (app *console) login(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: login EMAIL")
		return
	}
	fmt.Print("Password:")
	pwd, err := readPasswordFunc(syscall.Stdin)
	fmt.Println()
	if err != nil {
		fmt.Printf("reading password: %v\n", err)
		return
	}

	// a successful sign-in publishes the assertion; the manager picks it up
	// and runs the backend exchange before this returns
	if _, err := app.provider.SignInWithPassword(ctx, args[0], string(pwd)); err != nil {
		fmt.Printf("sign-in failed: %v\n", err)
		return
	}
	if err := app.manager.LastError(); err != nil {
		fmt.Println(err)
		return
	}
	app.printStatus()
}

// backendLogin signs in against the backend's own password grant, bypassing
// the identity provider. The refresh token is kept durably for later
// sessions.
func (app *console) backendLogin(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: applogin EMAIL")
		return
	}
	fmt.Print("Password:")
	pwd, err := readPasswordFunc(syscall.Stdin)
	fmt.Println()
	if err != nil {
		fmt.Printf("reading password: %v\n", err)
		return
	}

	res, err := app.client.Login(ctx, args[0], string(pwd))
	if err != nil {
		fmt.Printf("sign-in failed: %v\n", err)
		return
	}
	if res.RefreshToken != "" {
		raw, err := json.Marshal(res.RefreshToken)
		if err == nil {
			err = app.storage.Set(consolesession.KeyRefreshToken, raw)
		}
		if err != nil {
			app.logger.Warn("persisting refresh token", err)
		}
	}
	if err := app.store.LoginSuccess(res.User, session.NewRegularToken(res.AccessToken)); err != nil {
		fmt.Printf("installing session: %v\n", err)
		return
	}
	app.nav.To(route.DashboardFor(res.User.Role))
	app.printStatus()
}

func (app *console) impersonate(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: impersonate USER-ID")
		return
	}
	if err := app.controller.Impersonate(ctx, args[0]); err != nil {
		fmt.Printf("impersonation failed: %v\n", err)
		return
	}
	app.printStatus()
}

func (app *console) stopImpersonation(ctx context.Context) {
	if err := app.controller.Stop(ctx); err != nil {
		fmt.Printf("stopping impersonation failed: %v\n", err)
		return
	}
	if app.nav.consumeReload() {
		if err := app.startManager(ctx); err != nil {
			app.logger.Error("restarting auth manager", err)
		}
	}
	app.printStatus()
}

func (app *console) printStatus() {
	sess := app.store.Current()
	if !sess.IsAuthenticated {
		fmt.Println("not signed in")
		return
	}
	fmt.Printf("signed in as %s <%s> (%s) @ %s\n", sess.User.Name(), sess.User.Email, sess.User.Role, route.DashboardFor(sess.User.Role))
	if modules := route.ModulesFor(sess.User.Role); len(modules) > 0 {
		fmt.Printf("modules: %s\n", strings.Join(modules, ", "))
	}
	if banner := impersonation.BannerFor(app.store.Impersonation()); banner.Visible {
		fmt.Println(banner)
	}
}
