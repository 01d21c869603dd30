package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"Trusty-Agents/internal/agent"
	"Trusty-Agents/internal/auth"
	xerrors "Trusty-Agents/internal/errors"
	"Trusty-Agents/internal/events"
	"Trusty-Agents/internal/transaction"
	"Trusty-Agents/pkg/logger"
)

func requester(r *http.Request) (int64, error) {
	id, ok := auth.UserID(r.Context())
	if !ok {
		return 0, xerrors.New(xerrors.CodeUnauthenticated, "")
	}
	return id, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err, scope{operation: "register"})
		return
	}
	user, err := s.deps.Auth.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, scope{operation: "register"})
		return
	}
	address, err := s.deps.Wallets.CreateWallet(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err, scope{operation: "register"})
		return
	}
	events.Emit(r.Context(), s.publisher, events.New(events.UserRegistered, user.ID, "").
		With("wallet_address", address))
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":           user,
		"wallet_address": address,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err, scope{operation: "token"})
		return
	}
	pair, err := s.deps.Auth.Authenticate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, scope{operation: "token"})
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Agents.Templates(r.Context())
	if err != nil {
		s.writeError(w, r, err, scope{operation: "list_templates"})
		return
	}
	if templates == nil {
		templates = []*agent.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	owner, err := requester(r)
	if err != nil {
		s.writeError(w, r, err, scope{operation: "list_agents"})
		return
	}
	list, err := s.deps.Agents.List(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err, scope{operation: "list_agents"})
		return
	}
	views := make([]agentView, 0, len(list))
	for _, inst := range list {
		views = append(views, newAgentView(inst))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSetupAgent(w http.ResponseWriter, r *http.Request) {
	owner, err := requester(r)
	if err != nil {
		s.writeError(w, r, err, scope{operation: "setup_agent"})
		return
	}
	var req agent.SetupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err, scope{operation: "setup_agent"})
		return
	}
	inst, err := s.deps.Agents.Setup(r.Context(), owner, req)
	if err != nil {
		s.writeError(w, r, err, scope{operation: "setup_agent"})
		return
	}
	writeJSON(w, http.StatusCreated, newAgentView(inst))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner, err := requester(r)
	if err != nil {
		s.writeError(w, r, err, scope{operation: "get_agent", agentID: id})
		return
	}
	inst, err := s.deps.Agents.Get(r.Context(), owner, id)
	if err != nil {
		s.writeError(w, r, err, scope{operation: "get_agent", agentID: id})
		return
	}
	writeJSON(w, http.StatusOK, newAgentView(inst))
}

type shopRequest struct {
	SearchCriteria map[string]any `json:"search_criteria"`
}

func (s *Server) handleStartShopping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc := scope{operation: "start_shopping", agentID: id}
	owner, err := requester(r)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	var req shopRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	task, err := s.deps.Agents.StartShopping(r.Context(), owner, id, req.SearchCriteria)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": task.TaskID,
		"status":  task.Status,
	})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc := scope{operation: "agent_status", agentID: id}
	owner, err := requester(r)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	inst, err := s.deps.Agents.Get(r.Context(), owner, id)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	view := agentStatusView{ID: inst.ID, Status: inst.Status, TrustScore: inst.TrustScore}

	latest, err := s.deps.Transactions.Latest(r.Context(), inst.ID)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	if latest != nil {
		detail, err := s.deps.Transactions.Get(r.Context(), owner, latest.ID)
		if err != nil {
			s.writeError(w, r, err, sc)
			return
		}
		view.LatestTransaction = newTransactionView(detail.Transaction, detail.PriceComparisons)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc := scope{operation: "reset_agent", agentID: id}
	owner, err := requester(r)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	inst, err := s.deps.Agents.Reset(r.Context(), owner, id)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	writeJSON(w, http.StatusOK, newAgentView(inst))
}

func (s *Server) handleVerifyTransaction(w http.ResponseWriter, r *http.Request) {
	sc := scope{operation: "verify_transaction"}
	owner, err := requester(r)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	var req transaction.Request
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	sc.agentID = strings.TrimSpace(req.AgentID)

	out, err := s.deps.Transactions.VerifyAndExecute(r.Context(), req, owner)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	if out.Status == transaction.StatusRejected {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":         out.Status,
			"reason":         out.Reasons,
			"transaction_id": out.TransactionID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           out.Status,
		"transaction_hash": out.TransactionHash,
		"transaction_id":   out.TransactionID,
		"trust_score":      out.TrustScore,
	})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc := scope{operation: "get_transaction", transactionID: id}
	owner, err := requester(r)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	detail, err := s.deps.Transactions.Get(r.Context(), owner, id)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(detail.Transaction, detail.PriceComparisons))
}

func (s *Server) handleAddPriceComparison(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sc := scope{operation: "add_price_comparison", transactionID: id}
	owner, err := requester(r)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	var in transaction.PriceComparisonInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	detail, err := s.deps.Transactions.AddPriceComparison(r.Context(), owner, id, in)
	if err != nil {
		s.writeError(w, r, err, sc)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(detail.Transaction, detail.PriceComparisons))
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleProcessPrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err, scope{operation: "process_prompt"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeError(w, r, xerrors.Validation(map[string]string{"prompt": "field is required"}),
			scope{operation: "process_prompt"})
		return
	}
	result := s.deps.Resolver.Resolve(r.Context(), req.Prompt)
	logger.Audit().Info("prompt_processed",
		slog.String("source", string(result.Source)),
		slog.Int("prompt_length", len(req.Prompt)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"constraints": result,
		"source":      result.Source,
	})
}
