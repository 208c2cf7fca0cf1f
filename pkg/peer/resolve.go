package peer

import (
	"time"

	"github.com/cuemby/provisor/pkg/types"
)

// Resolve reports whether the local claim keeps ownership of a deployment
// both sides claim. Both coordinators evaluate it with the arguments
// swapped and reach opposite answers, so exactly one side steps down.
//
//	neither side deployed  smaller identity wins
//	one side deployed      the deployed side wins
//	both sides deployed    earlier most-recent date wins, then identity
func Resolve(local, remote types.Claim) bool {
	lt, lok := lastDate(local)
	rt, rok := lastDate(remote)

	switch {
	case lok && !rok:
		return true
	case !lok && rok:
		return false
	case lok && rok && !lt.Equal(rt):
		return lt.Before(rt)
	}
	return local.Peer.Compare(remote.Peer) < 0
}

func lastDate(c types.Claim) (time.Time, bool) {
	return (&types.DeploymentSpec{DeployDates: c.DeployDates}).LastDeployed()
}
