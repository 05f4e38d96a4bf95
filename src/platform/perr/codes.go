package perr

// POSIX-style error code constants used in oops builders.
const (
	EAGAIN       string = "EAGAIN"
	EAUTH        string = "EAUTH"
	ECANCELED    string = "ECANCELED"
	ECONFIG      string = "ECONFIG"
	ECONNREFUSED string = "ECONNREFUSED"
	ECONNRESET   string = "ECONNRESET"
	EEXIST       string = "EEXIST"
	EINIT        string = "EINIT"
	EINVAL       string = "EINVAL"
	EIO          string = "EIO"
	EMSGSIZE     string = "EMSGSIZE"
	ENOENT       string = "ENOENT"
	ENOTCONN     string = "ENOTCONN"
	EPERM        string = "EPERM"
	EPROTO       string = "EPROTO"
	ERANGE       string = "ERANGE"
	ETIMEDOUT    string = "ETIMEDOUT"
)

// Descriptions maps each error code to a human-readable message.
var Descriptions = map[string]string{
	EAGAIN:       "Resource temporarily unavailable",
	EAUTH:        "Authentication error",
	ECANCELED:    "Operation canceled",
	ECONFIG:      "Configuration failure",
	ECONNREFUSED: "Connection refused",
	ECONNRESET:   "Connection reset by peer",
	EEXIST:       "Already exists",
	EINIT:        "Initialization failure",
	EINVAL:       "Invalid argument",
	EIO:          "Input/output error",
	EMSGSIZE:     "Message too long",
	ENOENT:       "No such entity",
	ENOTCONN:     "Not connected",
	EPERM:        "Operation not permitted",
	EPROTO:       "Protocol error",
	ERANGE:       "Result out of range",
	ETIMEDOUT:    "Operation timed out",
}

// Description returns a human-readable description for a code.
func Description(code string) string {
	if desc, ok := Descriptions[code]; ok {
		return desc
	}
	return "Unknown error"
}
