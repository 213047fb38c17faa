// rcpanctl is the operator CLI for rcpand: entity-tx dispatch tags of the
// core are reachable as subcommands, posted to the daemon's local operator
// API. settle_update, initOrderbookExt, mintReserves and j_event_claim have
// no subcommand.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[rcpanctl] %v\n", err)
	os.Exit(1)
}

// postJSON sends body to the daemon's operator API.
func postJSON(ctx *cli.Context, path string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := "http://" + ctx.GlobalString("rpcserver") + path
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}

func getJSON(ctx *cli.Context, path string) error {
	url := "http://" + ctx.GlobalString("rpcserver") + path
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		out.Write(raw)
	}
	fmt.Println(out.String())
	return nil
}

func main() {
	app := cli.NewApp()
	app.Name = "rcpanctl"
	app.Usage = "control plane for your rcpan daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpcserver",
			Value: "localhost:9736",
			Usage: "host:port of the rcpand operator API",
		},
	}
	app.Commands = []cli.Command{
		importReplicaCommand,
		openAccountCommand,
		extendCreditCommand,
		setCreditLimitCommand,
		directPaymentCommand,
		settleProposeCommand,
		settleApproveCommand,
		settleRejectCommand,
		settleExecuteCommand,
		setRebalancePolicyCommand,
		setHubConfigCommand,
		depositCollateralCommand,
		sendRebalanceQuoteCommand,
		acceptRebalanceQuoteCommand,
		placeSwapOfferCommand,
		cancelSwapOfferCommand,
		disputeStartCommand,
		disputeFinalizeCommand,
		reopenDisputedCommand,
		jBroadcastCommand,
		fundReservesCommand,
		mineCommand,
		registerEntitiesCommand,
		getStateCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
