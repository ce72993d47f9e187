package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"smartuni.app/campus"
)

const CampusCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Campus control.

The default api url is http://localhost:5000/api,
overridable with CAMPUS_API_URL.

Usage:
    campusctl login [--api_url=<api_url>] --email=<email> [--password=<password>]
    campusctl me [--api_url=<api_url>]
    campusctl logout
    campusctl get [--api_url=<api_url>] <path> [--param=<key=value>]...
    campusctl watch [--api_url=<api_url>] [--live_url=<live_url>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --api_url=<api_url>
    --email=<email>
    --password=<password>    Prompted when omitted.
    --param=<key=value>      Query parameter, repeatable.
    --live_url=<live_url>    Live channel endpoint override.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CampusCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if me_, _ := opts.Bool("me"); me_ {
		me(opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func newClient(opts docopt.Opts) *campus.Client {
	apiUrl, _ := opts.String("--api_url")
	if apiUrl == "" {
		apiUrl = campus.ResolveApiUrl()
	}

	credentialPath, err := campus.DefaultCredentialPath()
	if err != nil {
		Err.Fatalf("No usable credential path: %s", err)
	}

	settings := campus.DefaultClientSettings()
	if liveUrl, _ := opts.String("--live_url"); liveUrl != "" {
		settings.LiveChannelUrl = liveUrl
	}

	return campus.NewClientWithSettings(
		context.Background(),
		apiUrl,
		campus.NewFileCredentialStore(credentialPath),
		settings,
	)
}

func login(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	email, _ := opts.String("--email")
	password, _ := opts.String("--password")
	if password == "" {
		fmt.Print("Password: ")
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			Err.Fatalf("Could not read password: %s", err)
		}
		password = string(passwordBytes)
	}

	profile, err := client.Login(context.Background(), email, password)
	if err != nil {
		Err.Fatalf("Login failed: %s", err)
	}
	Out.Printf("Logged in as %s %s (%s)", profile.FirstName, profile.LastName, profile.Role)
}

func me(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	bootstrap(client)
	profile := client.Session().Profile()
	profileJson, _ := json.MarshalIndent(profile, "", "    ")
	Out.Printf("%s", profileJson)
}

func logout(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	client.Logout()
	Out.Printf("Logged out.")
}

func get(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	bootstrap(client)

	path, _ := opts.String("<path>")
	params := map[string]any{}
	if paramList, ok := opts["--param"].([]string); ok {
		for _, param := range paramList {
			key, value, ok := strings.Cut(param, "=")
			if !ok {
				Err.Fatalf("Bad --param %q, expected key=value", param)
			}
			params[key] = value
		}
	}

	payload, err := client.Api().Get(context.Background(), path, params)
	if err != nil {
		Err.Fatalf("Request failed: %s", err)
	}
	if payload.NoContent {
		Out.Printf("(no content)")
		return
	}
	if payload.IsJson() {
		var pretty any
		if err := json.Unmarshal(payload.Json, &pretty); err == nil {
			prettyJson, _ := json.MarshalIndent(pretty, "", "    ")
			Out.Printf("%s", prettyJson)
			return
		}
	}
	Out.Printf("%s", payload.Text)
}

func watch(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	bootstrap(client)

	channel := client.Channel()
	if channel == nil {
		Err.Fatalf("No live channel. Log in first.")
	}

	for _, event := range []string{
		campus.EventConnected,
		campus.EventNotification,
		campus.EventNewAnnouncement,
		campus.EventScheduleUpdate,
	} {
		channel.Subscribe(event, func(event string, payload json.RawMessage) {
			if len(payload) == 0 {
				Out.Printf("[%s]", event)
			} else {
				Out.Printf("[%s] %s", event, payload)
			}
		})
	}

	select {}
}

func bootstrap(client *campus.Client) {
	if err := client.Bootstrap(context.Background()); err != nil {
		Err.Fatalf("Bootstrap failed: %s", err)
	}
	if !client.Session().IsAuthenticated() {
		Err.Fatalf("Not logged in. Run `campusctl login` first.")
	}
}
