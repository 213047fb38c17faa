package runtime

import (
	"github.com/davecgh/go-spew/spew"

	"github.com/rcpan/core/rcerrors"
)

// dumpConf trims spew's output enough to keep a full-env dump readable in
// the error log.
var dumpConf = spew.ConfigState{
	Indent:                  "  ",
	MaxDepth:                6,
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// DumpState writes the operator-facing state dump for a Fatal replica error.
func DumpState(env *Env, replicaKey string, err error) {
	rep, ok := env.EReplicas[replicaKey]
	if !ok {
		log.Criticalf("fatal error in unknown replica %s: %v", replicaKey, err)
		return
	}
	stack := ""
	if rcErr, isRC := err.(*rcerrors.Error); isRC {
		stack = string(rcErr.Stack())
	}
	log.Criticalf("fatal error in replica %s at height %d: %v\n"+
		"mempool: %s\naccounts: %s\nbatch: %s\n%s",
		replicaKey, env.Height, err,
		dumpConf.Sdump(rep.Mempool),
		dumpConf.Sdump(rep.State.Accounts),
		dumpConf.Sdump(rep.State.JBatchState),
		stack)
}
