// Package appevents defines the command and event contract between the
// front end and the transfer core. Marker interfaces keep the two unions
// closed: only types embedding the unexported base satisfy them.
package appevents

// Command is a request from the UI to the core.
type Command interface {
	isCommand()
	// CommandName is the stable wire name of the command.
	CommandName() string
}

type command struct{}

func (command) isCommand() {}

// Start binds the local socket and begins waiting for a peer.
type Start struct{ command }

// Connect punches through to the given peer address.
type Connect struct {
	command
	IP   string
	Port int
}

// Disconnect ends the current connection.
type Disconnect struct{ command }

// OfferFile announces a local file to the peer.
type OfferFile struct {
	command
	Path string
}

// AcceptFile accepts a pending offer into the given target path.
type AcceptFile struct {
	command
	Hash string
	Path string
}

// DenyFile declines a pending offer.
type DenyFile struct {
	command
	Hash string
}

// StopFile aborts a running transfer.
type StopFile struct {
	command
	Hash string
}

// ShowInFolder reveals a received file in the platform file manager.
type ShowInFolder struct {
	command
	Path string
}

func (Start) CommandName() string        { return "start" }
func (Connect) CommandName() string      { return "connect" }
func (Disconnect) CommandName() string   { return "disconnect" }
func (OfferFile) CommandName() string    { return "offer_file" }
func (AcceptFile) CommandName() string   { return "accept_file" }
func (DenyFile) CommandName() string     { return "deny_file" }
func (StopFile) CommandName() string     { return "stop_file" }
func (ShowInFolder) CommandName() string { return "show_in_folder" }

// Event is a structured notification from the core to the UI.
type Event interface {
	isEvent()
	// EventName is the stable wire name of the event.
	EventName() string
}

type event struct{}

func (event) isEvent() {}

// UpdateStatus reports a connection-state change in human terms.
type UpdateStatus struct {
	event
	Status      string
	Description string
	Error       bool
}

// UpdatePort reports the bound local port to show beside the public address.
type UpdatePort struct {
	event
	Port int
}

// SocketFailed reports that the local socket could not be used at all.
type SocketFailed struct {
	event
	Status      string
	Description string
}

// Connected reports a completed handshake.
type Connected struct {
	event
	Transport       string // "udp" or "tcp"
	PeerFingerprint string
}

// Disconnected reports the end of the connection.
type Disconnected struct{ event }

// FileUpdate reports creation or mutation of a transfer record.
type FileUpdate struct {
	event
	Hash     string
	Name     string
	Size     uint64
	State    string
	Percent  float64
	IsSender bool
	Path     string
	MimeType string
}

func (UpdateStatus) EventName() string { return "update-status" }
func (UpdatePort) EventName() string   { return "update-port" }
func (SocketFailed) EventName() string { return "socket-failed" }
func (Connected) EventName() string    { return "connected" }
func (Disconnected) EventName() string { return "disconnected" }
func (FileUpdate) EventName() string   { return "file-update" }
