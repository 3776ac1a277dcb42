package engine

import "fmt"

// Errno is the result code of a transfer. Values match the libcurl error
// numbers so that handler contexts stay comparable with other transports.
type Errno int

const (
	OK                     Errno = 0
	UnsupportedProtocol    Errno = 1
	URLMalformat           Errno = 3
	CouldntResolveProxy    Errno = 5
	CouldntResolveHost     Errno = 6
	CouldntConnect         Errno = 7
	WriteError             Errno = 23
	ReadError              Errno = 26
	OperationTimedOut      Errno = 28
	SSLConnectError        Errno = 35
	AbortedByCallback      Errno = 42
	GotNothing             Errno = 52
	SendError              Errno = 55
	RecvError              Errno = 56
	SSLCertProblem         Errno = 58
	PeerFailedVerification Errno = 60
	BadContentEncoding     Errno = 61
	SendFailRewind         Errno = 65
	SSLCACertBadFile       Errno = 77
)

var errnoText = map[Errno]string{
	OK:                     "No error",
	UnsupportedProtocol:    "Unsupported protocol",
	URLMalformat:           "URL using bad/illegal format or missing URL",
	CouldntResolveProxy:    "Couldn't resolve proxy name",
	CouldntResolveHost:     "Couldn't resolve host name",
	CouldntConnect:         "Couldn't connect to server",
	WriteError:             "Failed writing received data to disk/application",
	ReadError:              "Failed to open/read local data from file/application",
	OperationTimedOut:      "Timeout was reached",
	SSLConnectError:        "SSL connect error",
	AbortedByCallback:      "Operation was aborted by an application callback",
	GotNothing:             "Server returned nothing (no headers, no data)",
	SendError:              "Failed sending data to the peer",
	RecvError:              "Failure when receiving data from the peer",
	SSLCertProblem:         "Problem with the local SSL certificate",
	PeerFailedVerification: "SSL peer certificate or SSH remote key was not OK",
	BadContentEncoding:     "Unrecognized or bad HTTP Content or Transfer-Encoding",
	SendFailRewind:         "Send failed since rewinding of the data stream failed",
	SSLCACertBadFile:       "Problem with the SSL CA cert (path? access rights?)",
}

// String returns the generic description of the code.
func (e Errno) String() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown error %d", int(e))
}

// IsConnect reports whether the code means no response could be obtained
// because the connection itself failed.
func (e Errno) IsConnect() bool {
	switch e {
	case OperationTimedOut, CouldntResolveHost, CouldntConnect, SSLConnectError, GotNothing:
		return true
	}
	return false
}
