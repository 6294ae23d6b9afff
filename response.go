package uniqw

import "net/http"

// Response messages for deliveries that did no work.
const (
	MsgAlreadyFinished  = "already finished"
	MsgAlreadyProcessed = "already processed"
	MsgNotClear         = "task is not clear, cannot finish yet"
	MsgFinished         = "finished"
	MsgProcessed        = "processed"
)

// Response is the coordinator's answer to a delivery. Body is JSON-encodable.
type Response struct {
	StatusCode int
	Body       any
}

// Message is the body of informational responses.
type Message struct {
	Message string `json:"message"`
}

// OK reports a 2xx response.
func (r Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Retryable reports whether the transport should redeliver.
func (r Response) Retryable() bool { return r.StatusCode >= http.StatusInternalServerError }

func messageResponse(msg string) Response {
	return Response{StatusCode: http.StatusOK, Body: Message{Message: msg}}
}

func bodyResponse(body any, fallback string) Response {
	if body == nil {
		return messageResponse(fallback)
	}
	return Response{StatusCode: http.StatusOK, Body: body}
}

func errorResponse(n *NormalizedError) Response {
	return Response{StatusCode: n.StatusCode(), Body: n}
}
