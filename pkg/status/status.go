package status

const (
	OK                    = "OK"
	CREATED               = "CREATED"
	BAD_REQUEST           = "BAD_REQUEST"
	UNAUTHORIZED          = "UNAUTHORIZED"
	FORBIDDEN             = "FORBIDDEN"
	NOT_FOUND             = "NOT_FOUND"
	CONFLICT              = "CONFLICT"
	UNPROCESSABLE_ENTITY  = "UNPROCESSABLE_ENTITY"
	TOO_MANY_REQUESTS     = "TOO_MANY_REQUESTS"
	INTERNAL_SERVER_ERROR = "INTERNAL_SERVER_ERROR"
	GATEWAY_TIMEOUT       = "GATEWAY_TIMEOUT"
)
