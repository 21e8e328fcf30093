package api

import (
	"net/http"

	"github.com/btouchard/nethopper/internal/store"
)

type groupRequest struct {
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id"`
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	parentID, ok := queryID(w, r, "parent_id")
	if !ok {
		return
	}
	groups, err := h.inv.ListGroups(parentID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if groups == nil {
		groups = []store.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, err := h.inv.GetGroup(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	g := &store.Group{Name: req.Name, ParentID: req.ParentID}
	if err := h.inv.CreateGroup(g); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) updateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	g := &store.Group{ID: id, Name: req.Name, ParentID: req.ParentID}
	if err := h.inv.UpdateGroup(g); err != nil {
		writeStoreError(w, err)
		return
	}
	updated, err := h.inv.GetGroup(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.inv.DeleteGroup(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hostRequest struct {
	Name     string `json:"name"`
	Address  string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	AuthType string `json:"auth_type"`
	Password string `json:"password"`
	KeyPath  string `json:"key_path"`
	GroupID  *int64 `json:"group_id"`
}

func (req hostRequest) apply(h *store.Host) {
	h.Name = req.Name
	h.Address = req.Address
	h.Port = req.Port
	h.Username = req.Username
	h.AuthType = req.AuthType
	h.KeyPath = req.KeyPath
	h.GroupID = req.GroupID
	// Stored passwords are never returned, so an empty one keeps the old value.
	if req.Password != "" {
		h.Password = req.Password
	}
}

func (h *Handler) listHosts(w http.ResponseWriter, r *http.Request) {
	groupID, ok := queryID(w, r, "group_id")
	if !ok {
		return
	}
	hosts, err := h.inv.ListHosts(groupID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]store.Host, 0, len(hosts))
	for _, host := range hosts {
		out = append(out, host.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getHost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	host, err := h.inv.GetHost(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host.Redacted())
}

func (h *Handler) createHost(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	host := &store.Host{}
	req.apply(host)
	if err := h.inv.CreateHost(host); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, host.Redacted())
}

func (h *Handler) updateHost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req hostRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	host, err := h.inv.GetHost(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	req.apply(host)
	if err := h.inv.UpdateHost(host); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host.Redacted())
}

func (h *Handler) deleteHost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.inv.DeleteHost(id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
