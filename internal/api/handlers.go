package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/haldane/torrentd/internal/collaborators"
	"github.com/haldane/torrentd/internal/filemap"
	"github.com/haldane/torrentd/internal/torrentengine"
	"github.com/haldane/torrentd/internal/verifier"
)

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) torrentFromRequest(w http.ResponseWriter, r *http.Request) (*torrentengine.Torrent, bool) {
	hash := mux.Vars(r)["hash"]
	t, ok := s.session.Get(hash)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown torrent: "+hash)
		return nil, false
	}
	return t, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListTorrents implements a listing view over session.All(), each
// entry a Stat snapshot stat().
func (s *Server) handleListTorrents(w http.ResponseWriter, r *http.Request) {
	all := s.session.All()
	out := make([]torrentengine.Stat, 0, len(all))
	for _, t := range all {
		out = append(out, t.StatCached())
	}
	respondJSON(w, http.StatusOK, out)
}

// handleAddTorrent implements new(ctor): the body is a raw
// bencoded .torrent file; a duplicate info hash is reported, not an error.
func (s *Server) handleAddTorrent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	downloadDir := r.URL.Query().Get("download_dir")
	if downloadDir == "" {
		respondError(w, http.StatusBadRequest, "download_dir query parameter required")
		return
	}

	res := s.session.AddTorrent(torrentengine.Ctor{
		TorrentFileBytes: body,
		DownloadDir:      downloadDir,
		IncompleteDir:    r.URL.Query().Get("incomplete_dir"),
		PieceTempDir:     r.URL.Query().Get("piece_temp_dir"),
		Peers:            collaborators.NoopPeerManager{},
		Announce:         collaborators.NoopAnnouncer{},
		Cache:            collaborators.NewMemCache(),
		Bandwidth:        collaborators.ZeroBandwidth{},
		Paused:           r.URL.Query().Get("paused") == "true",
	})
	if res.Err != nil {
		respondError(w, http.StatusBadRequest, res.Err.Error())
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]interface{}{
		"info_hash": res.Torrent.InfoHash.HexString(),
		"duplicate": res.Duplicate,
	})
}

func (s *Server) handleGetTorrent(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, t.StatCached())
}

func (s *Server) handleRemoveTorrent(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	deleteData := r.URL.Query().Get("delete_local_data") == "true"
	var deleteFn func(*torrentengine.Torrent) error
	if deleteData {
		deleteFn = torrentengine.DefaultLocalDataRemover
	}
	if err := s.session.Remove(hash, deleteData, deleteFn); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	t.Start()
	respondJSON(w, http.StatusOK, t.StatCached())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	t.Stop()
	respondJSON(w, http.StatusOK, t.StatCached())
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	if err := t.Verify(verifier.SHA1Verifier{}, torrentengine.DefaultPieceReader(t), 0); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "verifying"})
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	t.RecheckCompleteness()
	if s.hub != nil {
		s.hub.BroadcastCompleteness(t.InfoHash.HexString(), t.StatCached().Activity)
	}
	respondJSON(w, http.StatusOK, t.StatCached())
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, t.Stat())
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, t.Files())
}

func fileIndexFromRequest(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(mux.Vars(r)["idx"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid file index")
		return 0, false
	}
	return idx, true
}

// handleSetFileDND implements set_file_dls(files, want).
func (s *Server) handleSetFileDND(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	idx, ok := fileIndexFromRequest(w, r)
	if !ok {
		return
	}
	var body struct {
		DND bool `json:"dnd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := t.SetFileDND(idx, body.DND); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t.Files())
}

// handleSetFileDLs implements the batch form of set_file_dls(files, want).
func (s *Server) handleSetFileDLs(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	var body struct {
		Files  []int `json:"files"`
		Wanted bool  `json:"wanted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := t.SetFileDLs(body.Files, body.Wanted); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t.Files())
}

// handleDeleteFiles implements the batch form of delete_files(files, fn).
func (s *Server) handleDeleteFiles(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	var body struct {
		Files []int `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := t.DeleteFiles(body.Files); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t.Files())
}

// handleSetFilePriority implements set_file_priorities.
func (s *Server) handleSetFilePriority(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	idx, ok := fileIndexFromRequest(w, r)
	if !ok {
		return
	}
	var body struct {
		Priority int `json:"priority"` // -1 low, 0 normal, 1 high
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := t.SetFilePriorities([]int{idx}, filemap.Priority(body.Priority)); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t.Files())
}

// handleDeleteDNDFile implements delete_files(files, fn),
// reclaiming disk space for one already-unwanted file.
func (s *Server) handleDeleteDNDFile(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	idx, ok := fileIndexFromRequest(w, r)
	if !ok {
		return
	}
	if err := t.DeleteDNDFile(idx); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, t.Files())
}

// handleRename implements rename(new), which returns an
// errno-style code rather than a generic error.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	var body struct {
		NewName string `json:"new_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := t.Rename(body.NewName); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"name": t.DisplayName()})
}

// handleSetLocation implements set_location(dir, move, &prog).
func (s *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	var body struct {
		NewDir      string `json:"new_dir"`
		MoveFromOld bool   `json:"move_from_old"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := t.SetLocation(body.NewDir, body.MoveFromOld, nil); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"current_dir": t.CurrentDir})
}

func (s *Server) handleGetTrackers(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, t.Trackers())
}

// handleSetTrackers implements set_announce_list(list), which
// returns a boolean success flag rather than an error.
func (s *Server) handleSetTrackers(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	var body struct {
		Trackers []torrentengine.TrackerInfo `json:"trackers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !t.SetAnnounceList(body.Trackers) {
		respondError(w, http.StatusBadRequest, "invalid tracker list")
		return
	}
	respondJSON(w, http.StatusOK, t.Trackers())
}

// handleSetSpeedLimit implements set_speed_limit(dir, bps).
func (s *Server) handleSetSpeedLimit(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	dir, ok := directionFromPath(w, r)
	if !ok {
		return
	}
	var body struct {
		Bps     int  `json:"bps"`
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	t.SetSpeedLimit(dir, body.Bps)
	t.UseSpeedLimit(dir, body.Enabled)
	respondJSON(w, http.StatusOK, map[string]int{"bps": t.SpeedLimit(dir)})
}

func directionFromPath(w http.ResponseWriter, r *http.Request) (torrentengine.Direction, bool) {
	switch mux.Vars(r)["dir"] {
	case "down":
		return torrentengine.Down, true
	case "up":
		return torrentengine.Up, true
	default:
		respondError(w, http.StatusBadRequest, "dir must be 'down' or 'up'")
		return 0, false
	}
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	t, ok := s.torrentFromRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"availability":    t.Availability(),
		"amount_finished": t.AmountFinished(),
	})
}
