package flowgate

import "net/http"

// Webhook and form-trigger traffic is forwarded without engine credentials.
// Workspace ownership is checked only when the caller carries a session.

//encore:api public raw method=GET path=/webhook/*rest
func (s *Service) WebhookGET(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}

//encore:api public raw method=POST path=/webhook/*rest
func (s *Service) WebhookPOST(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}

//encore:api public raw method=PUT path=/webhook/*rest
func (s *Service) WebhookPUT(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}

//encore:api public raw method=PATCH path=/webhook/*rest
func (s *Service) WebhookPATCH(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}

//encore:api public raw method=DELETE path=/webhook/*rest
func (s *Service) WebhookDELETE(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}

//encore:api public raw method=GET path=/webhook-test/*rest
func (s *Service) WebhookTestGET(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}

//encore:api public raw method=POST path=/webhook-test/*rest
func (s *Service) WebhookTestPOST(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}

//encore:api public raw method=GET path=/webhook-waiting/*rest
func (s *Service) WebhookWaitingGET(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}

//encore:api public raw method=POST path=/webhook-waiting/*rest
func (s *Service) WebhookWaitingPOST(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}

//encore:api public raw method=GET path=/form/*rest
func (s *Service) FormGET(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}

//encore:api public raw method=POST path=/form/*rest
func (s *Service) FormPOST(w http.ResponseWriter, req *http.Request) {
	s.gateway.ServeWebhook(w, req)
}
