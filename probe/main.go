// Package main implements probe, a diagnostic client for the bridge
// daemon. It performs the peer side of the handshake and drives encrypted
// commands over the native-messaging channel, printing decrypted responses
// as JSON.
//
// Usage:
//
//	probe [flags] status
//	probe [flags] retrieve <uri>
//	probe [flags] create <userId> <name> <userName> <password> <uri>
//	probe [flags] generate <userId>
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/keyhaven/bridge/wire"
)

func main() {
	socketPath := pflag.String("socket", "/run/keyhaven/bridge.sock", "Bridge unix socket path")
	tcpAddr := pflag.String("tcp", "", "Connect over TCP instead of the unix socket (dev mode)")
	appName := pflag.String("name", "probe", "Application name presented during the handshake")
	timeout := pflag.Duration("timeout", 10*time.Second, "Per-request timeout")
	verbose := pflag.Bool("verbose", false, "Enable debug logging")
	pflag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if !*verbose {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	args := pflag.Args()
	if len(args) == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	name, payload, err := buildCommand(args)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid command")
	}

	network, address := "unix", *socketPath
	if *tcpAddr != "" {
		network, address = "tcp", *tcpAddr
	}

	client, err := Dial(network, address)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer client.Close()

	if err := client.Handshake(*appName, *timeout); err != nil {
		log.Fatal().Err(err).Msg("Handshake failed")
	}

	result, err := client.Do(name, payload, *timeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}

	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

func buildCommand(args []string) (wire.CommandName, any, error) {
	switch args[0] {
	case "status":
		return wire.CmdStatus, nil, nil
	case "retrieve":
		if len(args) != 2 {
			return "", nil, fmt.Errorf("usage: retrieve <uri>")
		}
		return wire.CmdCredentialRetrieval, wire.CredentialRetrieval{URI: args[1]}, nil
	case "create":
		if len(args) != 6 {
			return "", nil, fmt.Errorf("usage: create <userId> <name> <userName> <password> <uri>")
		}
		return wire.CmdCredentialCreate, wire.CredentialCreate{
			UserID:   args[1],
			Name:     args[2],
			UserName: args[3],
			Password: args[4],
			URI:      args[5],
		}, nil
	case "generate":
		if len(args) != 2 {
			return "", nil, fmt.Errorf("usage: generate <userId>")
		}
		return wire.CmdGeneratePassword, wire.GeneratePassword{UserID: args[1]}, nil
	}
	return "", nil, fmt.Errorf("unknown command %q", args[0])
}
