package state

// Key prefixes for the flat dictionary layout. Every key is derived
// deterministically from the escrow code (and participant address for nested
// records); there are no secondary indexes beyond the explicit participant
// list and per-user index.
var (
	escrowRecordPrefix      = []byte("escrow/record/")
	escrowParticipantPrefix = []byte("escrow/participant/")
	escrowListPrefix        = []byte("escrow/list/")
	escrowUserPrefix        = []byte("escrow/user/")
	accountPrefix           = []byte("account/")
	stakingHandlesRawKey    = []byte("escrow/params/staking-handles")
	outstandingRawKey       = []byte("escrow/params/derivative-outstanding")
)
