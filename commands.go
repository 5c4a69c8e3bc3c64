package pva

// ProtocolMinorRevision is the minor protocol revision this client
// advertises during the connection-validation handshake.
const ProtocolMinorRevision byte = 1

// Command bytes 0..27, the fixed response-handler table. Only the
// entries this client actually dispatches on are named; the rest fall
// through to the "bad response" default.
const (
	cmdConnectionValidation byte = 1
	cmdEcho                 byte = 2
	// cmdSearchRequest, cmdSearchResponse, cmdBeacon declared in datagram.go.
	cmdIntrospectionSearchData byte = 6
	cmdCreateChannel           byte = 7
	cmdDestroyChannel          byte = 8

	cmdGetResponse      byte = 10
	cmdPutResponse      byte = 11
	cmdPutGetResponse   byte = 12
	cmdMonitorResponse  byte = 13
	cmdArrayResponse    byte = 14
	cmdDestroyRequest   byte = 15
	cmdProcessResponse  byte = 16
	cmdGetFieldResponse byte = 17
	cmdMessage          byte = 18
	cmdRPCResponse      byte = 20
	cmdCancelRequest    byte = 21
)

// isDataResponse reports whether command is one of the IOID-routed
// data-response commands.
func isDataResponse(command byte) bool {
	switch command {
	case cmdGetResponse, cmdPutResponse, cmdPutGetResponse, cmdMonitorResponse,
		cmdArrayResponse, cmdProcessResponse, cmdGetFieldResponse, cmdRPCResponse:
		return true
	default:
		return false
	}
}
