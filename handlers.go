package ptnotes

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

type handler struct {
	svc *Services
}

func (h *handler) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", h.listProjects)
	mux.HandleFunc("POST /api/projects", h.createProject)
	mux.HandleFunc("GET /api/projects/{pid}", h.projectReport)
	mux.HandleFunc("DELETE /api/projects/{pid}", h.deleteProject)

	mux.HandleFunc("GET /api/projects/{pid}/hosts/{ip}", h.host)
	mux.HandleFunc("POST /api/projects/{pid}/hosts/{ip}", h.hostNote)
	mux.HandleFunc("GET /api/projects/{pid}/items/{id}", h.item)
	mux.HandleFunc("POST /api/projects/{pid}/items/{id}", h.itemNote)
	mux.HandleFunc("GET /api/projects/{pid}/attacks/{id}", h.attack)
	mux.HandleFunc("POST /api/projects/{pid}/attacks/{id}", h.attackNote)

	mux.HandleFunc("GET /api/projects/{pid}/notes", h.attackNotes)
	mux.HandleFunc("POST /api/projects/{pid}/import", h.importScans)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// project resolves the {pid} path value. On failure it has already
// written the response and returns ok=false.
func (h *handler) project(w http.ResponseWriter, r *http.Request) (*Project, *scanRepo, bool) {
	pid, err := strconv.ParseUint(r.PathValue("pid"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return nil, nil, false
	}

	proj, err := h.svc.Registry.Projects().Project(uint(pid))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, nil, false
	}
	if proj == nil {
		writeError(w, http.StatusNotFound, "no such project")
		return nil, nil, false
	}
	return proj, h.svc.Registry.ScanStore(proj), true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint(id), true
}

// readNote decodes the {"note": ...} body of the note endpoints.
func readNote(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid note body")
		return "", false
	}
	return body.Note, true
}

// PROJECTS
// ---

type projectSummary struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	Note string `json:"note"`

	Stats Stats `json:"stats"`
}

func (h *handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projs, err := h.svc.Registry.Projects().Projects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	summaries := make([]projectSummary, 0, len(projs))
	for _, proj := range projs {
		stats, err := h.svc.Registry.ScanStore(proj).Stats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		summaries = append(summaries, projectSummary{
			ID: proj.ID, Name: proj.Name, Note: proj.Note, Stats: stats,
		})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *handler) createProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "project name required")
		return
	}

	proj, err := h.svc.Registry.Projects().CreateProject(body.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, projectSummary{ID: proj.ID, Name: proj.Name})
}

func (h *handler) deleteProject(w http.ResponseWriter, r *http.Request) {
	proj, _, ok := h.project(w, r)
	if !ok {
		return
	}
	if err := h.svc.Registry.DeleteProject(proj); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hostSummary struct {
	IP   string `json:"ip"`
	Note string `json:"note"`
	TCP  []int  `json:"tcp"`
	UDP  []int  `json:"udp"`
}

type attackSummary struct {
	ID          uint   `json:"id"`
	SignatureID string `json:"signature_id"`
	Title       string `json:"title"`
	Items       int    `json:"items"`
}

func (h *handler) projectReport(w http.ResponseWriter, r *http.Request) {
	proj, store, ok := h.project(w, r)
	if !ok {
		return
	}

	hosts, err := store.Hosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	hostViews := make([]hostSummary, 0, len(hosts))
	for _, host := range hosts {
		ports, err := store.Ports(host.IP)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		hostViews = append(hostViews, hostSummary{
			IP: host.IP, Note: host.Note,
			TCP: ports[ProtoTCP], UDP: ports[ProtoUDP],
		})
	}

	attacks, err := store.Attacks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attackViews := make([]attackSummary, 0, len(attacks))
	for _, attack := range attacks {
		attackViews = append(attackViews, attackSummary{
			ID: attack.ID, SignatureID: attack.SignatureID,
			Title: attack.Title, Items: len(attackTokens(attack)),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      proj.ID,
		"name":    proj.Name,
		"note":    proj.Note,
		"hosts":   hostViews,
		"attacks": attackViews,
	})
}

// HOSTS, ITEMS, ATTACKS
// ---

func (h *handler) host(w http.ResponseWriter, r *http.Request) {
	_, store, ok := h.project(w, r)
	if !ok {
		return
	}

	ip := r.PathValue("ip")
	host, err := store.HostByIP(ip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if host == nil {
		writeError(w, http.StatusNotFound, "no such host")
		return
	}

	items, err := store.ItemsForHost(ip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ip":    host.IP,
		"note":  host.Note,
		"items": items,
	})
}

func (h *handler) hostNote(w http.ResponseWriter, r *http.Request) {
	_, store, ok := h.project(w, r)
	if !ok {
		return
	}

	ip := r.PathValue("ip")
	host, err := store.HostByIP(ip)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if host == nil {
		writeError(w, http.StatusNotFound, "no such host")
		return
	}

	note, ok := readNote(w, r)
	if !ok {
		return
	}
	if err := store.SetHostNote(ip, note); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) item(w http.ResponseWriter, r *http.Request) {
	_, store, ok := h.project(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	item, err := store.Item(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "no such item")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *handler) itemNote(w http.ResponseWriter, r *http.Request) {
	_, store, ok := h.project(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	item, err := store.Item(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "no such item")
		return
	}

	note, ok := readNote(w, r)
	if !ok {
		return
	}
	if err := store.SetItemNote(id, note); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attackItem struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func attackView(attack *Attack) map[string]any {
	tokens := attackTokens(attack)
	items := make([]attackItem, 0, len(tokens))
	for _, token := range tokens {
		ip, port := splitToken(token)
		items = append(items, attackItem{IP: ip, Port: port})
	}

	return map[string]any{
		"id":           attack.ID,
		"signature_id": attack.SignatureID,
		"title":        attack.Title,
		"note":         attack.Note,
		"items":        items,
	}
}

func (h *handler) attack(w http.ResponseWriter, r *http.Request) {
	_, store, ok := h.project(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	attack, err := store.Attack(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attack == nil {
		writeError(w, http.StatusNotFound, "no such attack")
		return
	}
	writeJSON(w, http.StatusOK, attackView(attack))
}

func (h *handler) attackNote(w http.ResponseWriter, r *http.Request) {
	_, store, ok := h.project(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	attack, err := store.Attack(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attack == nil {
		writeError(w, http.StatusNotFound, "no such attack")
		return
	}

	note, ok := readNote(w, r)
	if !ok {
		return
	}
	if err := store.SetAttackNote(id, note); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) attackNotes(w http.ResponseWriter, r *http.Request) {
	_, store, ok := h.project(w, r)
	if !ok {
		return
	}

	attacks, err := store.AttackNotes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	notes := make([]map[string]any, 0, len(attacks))
	for _, attack := range attacks {
		notes = append(notes, map[string]any{
			"id":           attack.ID,
			"signature_id": attack.SignatureID,
			"title":        attack.Title,
			"note":         attack.Note,
		})
	}
	writeJSON(w, http.StatusOK, notes)
}

// IMPORT
// ---

const maxUploadMemory = 32 << 20

// importScans absorbs a batch of uploaded documents, then runs
// correlation over the project so new findings show up right away.
// Files are independent: one failure does not stop the batch, and
// the response reports each file's outcome separately.
func (h *handler) importScans(w http.ResponseWriter, r *http.Request) {
	_, store, ok := h.project(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	files := r.MultipartForm.File["scans"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no scan files uploaded")
		return
	}

	force := r.URL.Query().Get("force") == "1"
	importer := NewImporter(store)

	reports := make([]ImportReport, 0, len(files))
	for _, fh := range files {
		reports = append(reports, importUpload(importer, fh, force))
	}

	catalog, err := LoadCatalog(h.svc.Catalog)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attacks, err := NewCorrelator(store, catalog).FindAttacks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"attacks": attacks,
	})
}

func importUpload(importer *Importer, fh *multipart.FileHeader, force bool) ImportReport {
	f, err := fh.Open()
	if err != nil {
		return failedReport(fh.Filename, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return failedReport(fh.Filename, err)
	}

	if force {
		if err := importer.ClearLedger(fh.Filename); err != nil {
			return failedReport(fh.Filename, err)
		}
	}
	return importer.ImportDocument(raw, fh.Filename)
}
