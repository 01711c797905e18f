package utils

// ResponseData is the uniform REST envelope.
type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

// PanicIfNeeded panics on error so the recovery middleware can translate
// typed errors into HTTP responses. Handlers stay linear.
func PanicIfNeeded(err error) {
	if err != nil {
		panic(err)
	}
}
