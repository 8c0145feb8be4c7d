// Package dispatch relays activity notifications between worker
// processes. A live subscriber may be connected to a different worker
// than the one that persisted the activity it is waiting on; workers
// tell the dispatcher which resource URLs their subscribers care
// about, and the dispatcher forwards updates to every interested
// worker.
//
// The follower table is transient. Workers re-follow after a
// reconnect, and a dispatcher restart loses nothing that matters.
package dispatch

// Commands exchanged between workers and the dispatcher.
const (
	CmdFollow   = "follow"
	CmdUnfollow = "unfollow"
	CmdUpdate   = "update"
)

// Message is the wire format on the dispatcher websocket. Workers send
// follow, unfollow and update; the dispatcher only ever sends update.
type Message struct {
	Cmd      string         `json:"cmd"`
	URL      string         `json:"url"`
	Activity map[string]any `json:"activity,omitempty"`
}
