package registry

import (
	"net/http"
	"strings"
)

const (
	AllowOriginHeader   = "Access-Control-Allow-Origin"
	AllowHeadersHeader  = "Access-Control-Allow-Headers"
	AllowMethodsHeader  = "Access-Control-Allow-Methods"
	ExposeHeadersHeader = "Access-Control-Expose-Headers"
	Separator           = ", "
)

// Cors configures the browser-facing headers. The session header must stay
// exposed or web clients cannot continue an established session.
type Cors struct {
	AllowHeaders  []string
	AllowMethods  []string
	AllowOrigins  []string
	ExposeHeaders []string
}

func defaultCors() *Cors {
	return &Cors{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"POST", "DELETE", "GET", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Authorization", "X-API-Key", "Mcp-Session-Id"},
		ExposeHeaders: []string{"Mcp-Session-Id"},
	}
}

type corsHandler struct {
	*Cors
}

func (h *corsHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.setHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Cors) setHeaders(writer http.ResponseWriter, request *http.Request) {
	if c == nil {
		return
	}
	origin := request.Header.Get("Origin")
	allowed := make(map[string]bool)
	for _, o := range c.AllowOrigins {
		allowed[o] = true
	}
	if allowed["*"] {
		if origin == "" {
			writer.Header().Set(AllowOriginHeader, "*")
		} else {
			writer.Header().Set(AllowOriginHeader, origin)
		}
	} else if origin != "" && allowed[origin] {
		writer.Header().Set(AllowOriginHeader, origin)
	}
	if len(c.AllowMethods) > 0 {
		writer.Header().Set(AllowMethodsHeader, strings.Join(c.AllowMethods, Separator))
	}
	if len(c.AllowHeaders) > 0 {
		writer.Header().Set(AllowHeadersHeader, strings.Join(c.AllowHeaders, Separator))
	}
	if len(c.ExposeHeaders) > 0 {
		writer.Header().Set(ExposeHeadersHeader, strings.Join(c.ExposeHeaders, Separator))
	}
}
