package logging

import "log/slog"

// Domain identifiers

func Request(id string) slog.Attr {
	return slog.String("request_id", id)
}

func Kind(kind string) slog.Attr {
	return slog.String("kind", kind)
}

func Status(status string) slog.Attr {
	return slog.String("status", status)
}

func Group(id string) slog.Attr {
	return slog.String("group_id", id)
}

func User(id string) slog.Attr {
	return slog.String("user_id", id)
}

func Provider(id string) slog.Attr {
	return slog.String("provider_id", id)
}

func Channel(name string) slog.Attr {
	return slog.String("channel", name)
}

func Conn(id string) slog.Attr {
	return slog.String("conn_id", id)
}

func EventType(t string) slog.Attr {
	return slog.String("event_type", t)
}

func Node(id string) slog.Attr {
	return slog.String("node_id", id)
}

// Request / tracing

func TraceID(id string) slog.Attr {
	return slog.String("trace_id", id)
}

func SpanID(id string) slog.Attr {
	return slog.String("span_id", id)
}

// Error handling

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
