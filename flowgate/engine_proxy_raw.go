package flowgate

import (
	"net/http"

	"github.com/flowgate/flowgate/internal/gateway"
)

// The engine endpoints are public at the Encore layer. The gateway resolves
// the platform session itself so failures keep the proxy's JSON error shape
// and WebSocket upgrades can be hijacked.
func (s *Service) engineProxyRaw(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeEngine(w, req, gateway.EnginePath(req.URL.Path))
}

//encore:api public raw method=GET path=/engine/*rest
func (s *Service) EngineProxyGET(w http.ResponseWriter, req *http.Request) {
	s.engineProxyRaw(w, req)
}

//encore:api public raw method=HEAD path=/engine/*rest
func (s *Service) EngineProxyHEAD(w http.ResponseWriter, req *http.Request) {
	s.engineProxyRaw(w, req)
}

//encore:api public raw method=POST path=/engine/*rest
func (s *Service) EngineProxyPOST(w http.ResponseWriter, req *http.Request) {
	s.engineProxyRaw(w, req)
}

//encore:api public raw method=PUT path=/engine/*rest
func (s *Service) EngineProxyPUT(w http.ResponseWriter, req *http.Request) {
	s.engineProxyRaw(w, req)
}

//encore:api public raw method=PATCH path=/engine/*rest
func (s *Service) EngineProxyPATCH(w http.ResponseWriter, req *http.Request) {
	s.engineProxyRaw(w, req)
}

//encore:api public raw method=DELETE path=/engine/*rest
func (s *Service) EngineProxyDELETE(w http.ResponseWriter, req *http.Request) {
	s.engineProxyRaw(w, req)
}
