package main

import (
	"fmt"
	"math/big"

	"github.com/urfave/cli"

	"github.com/rcpan/core/account"
	"github.com/rcpan/core/entity"
	"github.com/rcpan/core/ids"
	"github.com/rcpan/core/orderbook"
)

// parseEntity reads a 0x-hex entity id flag.
func parseEntity(ctx *cli.Context, flag string) (ids.EntityId, error) {
	raw := ctx.String(flag)
	if raw == "" {
		return ids.EntityId{}, fmt.Errorf("--%s is required", flag)
	}
	return ids.EntityIdFromHex(raw)
}

func parseToken(ctx *cli.Context, flag string) (ids.TokenId, error) {
	e, err := parseEntity(ctx, flag)
	return ids.TokenId(e), err
}

func parseAmount(ctx *cli.Context, flag string) (*big.Int, error) {
	raw := ctx.String(flag)
	amt, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("--%s: invalid amount %q", flag, raw)
	}
	return amt, nil
}

// sendTx posts one entity-tx to the daemon.
func sendTx(ctx *cli.Context, from ids.EntityId, tx entity.EntityTx) error {
	return postJSON(ctx, "/v1/tx", map[string]interface{}{
		"entity": from,
		"tx":     tx,
	})
}

var (
	entityFlag = cli.StringFlag{Name: "entity", Usage: "acting entity id (0x-hex)"}
	counterpartyFlag = cli.StringFlag{Name: "counterparty", Usage: "counterparty entity id (0x-hex)"}
	tokenFlag  = cli.StringFlag{Name: "token", Usage: "token id (0x-hex)"}
	amountFlag = cli.StringFlag{Name: "amount", Usage: "amount in token base units"}
)

var importReplicaCommand = cli.Command{
	Name:  "import-replica",
	Usage: "Import a (entity, signer) replica into the runtime.",
	Flags: []cli.Flag{
		entityFlag,
		cli.StringFlag{Name: "signer", Usage: "this validator's signer id"},
		cli.Uint64Flag{Name: "threshold", Value: 1},
		cli.StringSliceFlag{Name: "validator", Usage: "validator signer id; repeat per validator"},
	},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		validators := ctx.StringSlice("validator")
		shares := make(map[ids.SignerId]uint64, len(validators))
		vs := make([]ids.SignerId, 0, len(validators))
		for _, v := range validators {
			vs = append(vs, ids.SignerId(v))
			shares[ids.SignerId(v)] = 1
		}
		return postJSON(ctx, "/v1/import", map[string]interface{}{
			"entity":     e,
			"signer":     ctx.String("signer"),
			"threshold":  ctx.Uint64("threshold"),
			"validators": vs,
			"shares":     shares,
		})
	},
}

var openAccountCommand = cli.Command{
	Name:  "open-account",
	Usage: "Open a bilateral account with a counterparty.",
	Flags: []cli.Flag{entityFlag, counterpartyFlag},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		cp, err := parseEntity(ctx, "counterparty")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag:         "openAccount",
			OpenAccount: &entity.OpenAccountTx{Counterparty: cp},
		})
	},
}

var extendCreditCommand = cli.Command{
	Name:  "extend-credit",
	Usage: "Extend unsecured credit to a counterparty on one token.",
	Flags: []cli.Flag{entityFlag, counterpartyFlag, tokenFlag, amountFlag},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		cp, err := parseEntity(ctx, "counterparty")
		if err != nil {
			return err
		}
		token, err := parseToken(ctx, "token")
		if err != nil {
			return err
		}
		amt, err := parseAmount(ctx, "amount")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "extendCredit",
			ExtendCredit: &entity.ExtendCreditEntityTx{
				Counterparty: cp, TokenId: token, Amount: amt,
			},
		})
	},
}

var setCreditLimitCommand = cli.Command{
	Name:  "set-credit-limit",
	Usage: "Set the credit limit extended to a counterparty on one token.",
	Flags: []cli.Flag{entityFlag, counterpartyFlag, tokenFlag, amountFlag},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		cp, err := parseEntity(ctx, "counterparty")
		if err != nil {
			return err
		}
		token, err := parseToken(ctx, "token")
		if err != nil {
			return err
		}
		amt, err := parseAmount(ctx, "amount")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "setCreditLimit",
			SetCreditLimit: &entity.SetCreditLimitTx{
				Counterparty: cp, TokenId: token, Amount: amt,
			},
		})
	},
}

var sendRebalanceQuoteCommand = cli.Command{
	Name:  "send-rebalance-quote",
	Usage: "Quote a collateral top-up to a counterparty.",
	Flags: []cli.Flag{
		entityFlag, counterpartyFlag, tokenFlag, amountFlag,
		cli.Uint64Flag{Name: "feeppm", Usage: "quoted fee in parts-per-million"},
	},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		cp, err := parseEntity(ctx, "counterparty")
		if err != nil {
			return err
		}
		token, err := parseToken(ctx, "token")
		if err != nil {
			return err
		}
		amt, err := parseAmount(ctx, "amount")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "sendRebalanceQuote",
			SendRebalanceQuote: &entity.SendRebalanceQuoteTx{
				Counterparty: cp, TokenId: token, Amount: amt,
				FeePPM: ctx.Uint64("feeppm"),
			},
		})
	},
}

var acceptRebalanceQuoteCommand = cli.Command{
	Name:  "accept-rebalance-quote",
	Usage: "Accept a counterparty's rebalance quote and fund the deposit.",
	Flags: []cli.Flag{entityFlag, counterpartyFlag, tokenFlag, amountFlag},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		cp, err := parseEntity(ctx, "counterparty")
		if err != nil {
			return err
		}
		token, err := parseToken(ctx, "token")
		if err != nil {
			return err
		}
		amt, err := parseAmount(ctx, "amount")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "acceptRebalanceQuote",
			AcceptRebalanceQuote: &entity.AcceptRebalanceQuoteTx{
				Counterparty: cp, TokenId: token, Amount: amt,
			},
		})
	},
}

var directPaymentCommand = cli.Command{
	Name:      "direct-payment",
	Usage:     "Send a routed payment; each --hop is one route element, last is the recipient.",
	ArgsUsage: "--entity X --hop H1 [--hop H2 ...] --token T --amount N",
	Flags: []cli.Flag{
		entityFlag, tokenFlag, amountFlag,
		cli.StringSliceFlag{Name: "hop", Usage: "next entity on the route; repeatable"},
	},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		token, err := parseToken(ctx, "token")
		if err != nil {
			return err
		}
		amt, err := parseAmount(ctx, "amount")
		if err != nil {
			return err
		}
		var route []ids.EntityId
		for _, hop := range ctx.StringSlice("hop") {
			h, err := ids.EntityIdFromHex(hop)
			if err != nil {
				return err
			}
			route = append(route, h)
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "directPayment",
			DirectPayment: &entity.DirectPaymentTx{
				Route: route, TokenId: token, Amount: amt,
			},
		})
	},
}

// settleAction builds the shared settle_* dispatch.
func settleAction(tag string, withOps bool) func(*cli.Context) error {
	return func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		cp, err := parseEntity(ctx, "counterparty")
		if err != nil {
			return err
		}
		op := entity.SettleOpEntityTx{Counterparty: cp, SettleTag: tag}
		if withOps {
			token, err := parseToken(ctx, "token")
			if err != nil {
				return err
			}
			amt, err := parseAmount(ctx, "amount")
			if err != nil {
				return err
			}
			op.Ops = []account.SettlementOp{{
				Kind:    account.SettlementOpKind(ctx.String("op")),
				TokenId: token,
				Amount:  amt,
				ByLeft:  ctx.Bool("byleft"),
			}}
		}
		return sendTx(ctx, e, entity.EntityTx{Tag: tag, SettleOp: &op})
	}
}

var settleOpsFlags = []cli.Flag{
	entityFlag, counterpartyFlag, tokenFlag, amountFlag,
	cli.StringFlag{Name: "op", Value: "r2c", Usage: "settlement op kind: r2c, c2r, r2r, rebalance"},
	cli.BoolFlag{Name: "byleft", Usage: "the canonical LEFT side funds the op"},
}

var settleProposeCommand = cli.Command{
	Name:   "settle-propose",
	Usage:  "Propose a settlement workspace on an edge.",
	Flags:  settleOpsFlags,
	Action: settleAction("settle_propose", true),
}

var settleApproveCommand = cli.Command{
	Name:   "settle-approve",
	Usage:  "Approve the counterparty's settlement workspace.",
	Flags:  []cli.Flag{entityFlag, counterpartyFlag},
	Action: settleAction("settle_approve", false),
}

var settleRejectCommand = cli.Command{
	Name:   "settle-reject",
	Usage:  "Reject and clear the settlement workspace.",
	Flags:  []cli.Flag{entityFlag, counterpartyFlag},
	Action: settleAction("settle_reject", false),
}

var settleExecuteCommand = cli.Command{
	Name:   "settle-execute",
	Usage:  "Execute a fully-signed settlement workspace.",
	Flags:  []cli.Flag{entityFlag, counterpartyFlag},
	Action: settleAction("settle_execute", false),
}

var setRebalancePolicyCommand = cli.Command{
	Name:  "set-rebalance-policy",
	Usage: "Declare rebalance thresholds to a hub.",
	Flags: []cli.Flag{
		entityFlag,
		cli.StringFlag{Name: "hub", Usage: "hub entity id (0x-hex)"},
		cli.StringFlag{Name: "soft", Usage: "soft limit"},
		cli.StringFlag{Name: "hard", Usage: "hard limit"},
		cli.StringFlag{Name: "maxfee", Usage: "max acceptable fee"},
	},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		hub, err := parseEntity(ctx, "hub")
		if err != nil {
			return err
		}
		soft, err := parseAmount(ctx, "soft")
		if err != nil {
			return err
		}
		hard, err := parseAmount(ctx, "hard")
		if err != nil {
			return err
		}
		maxFee, err := parseAmount(ctx, "maxfee")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "setRebalancePolicy",
			SetRebalancePolicy: &entity.SetRebalancePolicyTx{
				Hub: hub, SoftLimit: soft, HardLimit: hard, MaxAcceptableFee: maxFee,
			},
		})
	},
}

var setHubConfigCommand = cli.Command{
	Name:  "set-hub-config",
	Usage: "Enable the hub rebalance crontab on this entity.",
	Flags: []cli.Flag{
		entityFlag,
		cli.Uint64Flag{Name: "interval", Value: 30, Usage: "crontab interval in logical seconds"},
		cli.Uint64Flag{Name: "feeppm", Usage: "routing fee in parts-per-million"},
	},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "setHubConfig",
			SetHubConfig: &entity.SetHubConfigTx{
				CrontabInterval: ctx.Uint64("interval"),
				MaxFeePPM:       ctx.Uint64("feeppm"),
			},
		})
	},
}

var depositCollateralCommand = cli.Command{
	Name:  "deposit-collateral",
	Usage: "Move reserve into an edge's collateral (R2C).",
	Flags: []cli.Flag{entityFlag, counterpartyFlag, tokenFlag, amountFlag},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		cp, err := parseEntity(ctx, "counterparty")
		if err != nil {
			return err
		}
		token, err := parseToken(ctx, "token")
		if err != nil {
			return err
		}
		amt, err := parseAmount(ctx, "amount")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "deposit_collateral",
			DepositCollateral: &entity.DepositCollateralTx{
				Counterparty: cp, TokenId: token, Amount: amt,
			},
		})
	},
}

var placeSwapOfferCommand = cli.Command{
	Name:  "place-swap-offer",
	Usage: "Place a swap offer on a hub's orderbook.",
	Flags: []cli.Flag{
		entityFlag,
		cli.StringFlag{Name: "hub", Usage: "hub entity id (0x-hex)"},
		cli.Uint64Flag{Name: "id", Usage: "offer id"},
		cli.StringFlag{Name: "give-token"},
		cli.StringFlag{Name: "give-amount"},
		cli.StringFlag{Name: "want-token"},
		cli.StringFlag{Name: "want-amount"},
		cli.UintFlag{Name: "min-fill", Usage: "minimum fill ratio in 65535ths"},
	},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		hub, err := parseEntity(ctx, "hub")
		if err != nil {
			return err
		}
		giveToken, err := parseToken(ctx, "give-token")
		if err != nil {
			return err
		}
		wantToken, err := parseToken(ctx, "want-token")
		if err != nil {
			return err
		}
		giveAmt, err := parseAmount(ctx, "give-amount")
		if err != nil {
			return err
		}
		wantAmt, err := parseAmount(ctx, "want-amount")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "placeSwapOffer",
			PlaceSwapOffer: &entity.PlaceSwapOfferEntityTx{
				Counterparty: hub,
				Offer: &orderbook.Offer{
					OfferID:            ctx.Uint64("id"),
					CounterpartyEntity: e,
					GiveToken:          giveToken,
					GiveAmount:         giveAmt,
					WantToken:          wantToken,
					WantAmount:         wantAmt,
					MinFillRatio:       uint16(ctx.Uint("min-fill")),
				},
			},
		})
	},
}

var cancelSwapOfferCommand = cli.Command{
	Name:  "cancel-swap-offer",
	Usage: "Cancel a resting swap offer.",
	Flags: []cli.Flag{
		entityFlag,
		cli.StringFlag{Name: "hub"},
		cli.Uint64Flag{Name: "id"},
	},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		hub, err := parseEntity(ctx, "hub")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "cancelSwapOffer",
			CancelSwapOffer: &entity.CancelSwapOfferEntityTx{
				Counterparty: hub, OfferID: ctx.Uint64("id"),
			},
		})
	},
}

var disputeStartCommand = cli.Command{
	Name:  "dispute-start",
	Usage: "Unilaterally freeze an edge and submit the dispute on-chain.",
	Flags: []cli.Flag{entityFlag, counterpartyFlag, tokenFlag},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		cp, err := parseEntity(ctx, "counterparty")
		if err != nil {
			return err
		}
		token, err := parseToken(ctx, "token")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "disputeStart",
			DisputeStart: &entity.DisputeStartEntityTx{
				Counterparty: cp, TokenId: token,
			},
		})
	},
}

var disputeFinalizeCommand = cli.Command{
	Name:  "dispute-finalize",
	Usage: "Finalize a dispute once the on-chain timeout has passed.",
	Flags: []cli.Flag{entityFlag, counterpartyFlag, tokenFlag},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		cp, err := parseEntity(ctx, "counterparty")
		if err != nil {
			return err
		}
		token, err := parseToken(ctx, "token")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag: "disputeFinalize",
			DisputeFinalize: &entity.DisputeFinalizeEntityTx{
				Counterparty: cp, TokenId: token,
				FinalOndelta: big.NewInt(0), FinalCollateral: big.NewInt(0),
			},
		})
	},
}

var reopenDisputedCommand = cli.Command{
	Name:  "reopen-disputed",
	Usage: "Reopen an edge after DisputeFinalized was ingested.",
	Flags: []cli.Flag{entityFlag, counterpartyFlag},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		cp, err := parseEntity(ctx, "counterparty")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{
			Tag:            "reopen_disputed",
			ReopenDisputed: &entity.ReopenDisputedTx{Counterparty: cp},
		})
	},
}

var jBroadcastCommand = cli.Command{
	Name:  "j-broadcast",
	Usage: "Flush the entity's queued on-chain batch.",
	Flags: []cli.Flag{entityFlag},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		return sendTx(ctx, e, entity.EntityTx{Tag: "j_broadcast"})
	},
}

var fundReservesCommand = cli.Command{
	Name:  "fund-reserves",
	Usage: "Mint reserves on the simulated chain (test only).",
	Flags: []cli.Flag{entityFlag, tokenFlag, amountFlag},
	Action: func(ctx *cli.Context) error {
		e, err := parseEntity(ctx, "entity")
		if err != nil {
			return err
		}
		token, err := parseToken(ctx, "token")
		if err != nil {
			return err
		}
		amt, err := parseAmount(ctx, "amount")
		if err != nil {
			return err
		}
		return postJSON(ctx, "/v1/fund", map[string]interface{}{
			"entity": e, "token": token, "amount": amt,
		})
	},
}

var mineCommand = cli.Command{
	Name:  "mine",
	Usage: "Mine blocks on the simulated chain.",
	Flags: []cli.Flag{cli.Uint64Flag{Name: "blocks", Value: 1}},
	Action: func(ctx *cli.Context) error {
		return postJSON(ctx, "/v1/mine", map[string]uint64{"blocks": ctx.Uint64("blocks")})
	},
}

var registerEntitiesCommand = cli.Command{
	Name:  "register-entities",
	Usage: "Register board hashes on chain and print the assigned numbers.",
	Flags: []cli.Flag{
		cli.StringSliceFlag{Name: "board", Usage: "board hash (0x-hex); repeatable"},
	},
	Action: func(ctx *cli.Context) error {
		var hashes []ids.EntityId
		for _, raw := range ctx.StringSlice("board") {
			h, err := ids.EntityIdFromHex(raw)
			if err != nil {
				return err
			}
			hashes = append(hashes, h)
		}
		return postJSON(ctx, "/v1/register", map[string]interface{}{
			"board_hashes": hashes,
		})
	},
}

var getStateCommand = cli.Command{
	Name:  "state",
	Usage: "Print the daemon's runtime summary.",
	Action: func(ctx *cli.Context) error {
		return getJSON(ctx, "/v1/state")
	},
}
