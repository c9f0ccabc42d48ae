package main

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/disk"
	"github.com/gorilla/mux"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type volumeStatusService struct {
	manager   *disk.Manager
	allocator disk.Allocator
}

func newVolumeStatusService(manager *disk.Manager, allocator disk.Allocator, router *mux.Router) *volumeStatusService {
	s := &volumeStatusService{
		manager:   manager,
		allocator: allocator,
	}
	router.HandleFunc("/volumes", s.handleListVolumes).Methods(http.MethodGet)
	router.HandleFunc("/volumes/{volume:[0-9]+}", s.handleGetVolume).Methods(http.MethodGet)
	router.HandleFunc("/volumes/{volume:[0-9]+}/dump", s.handleDumpVolume).Methods(http.MethodGet)
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Print(err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch status.Code(err) {
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	case codes.NotFound:
		code = http.StatusNotFound
	}
	http.Error(w, status.Convert(err).Message(), code)
}

func getVolumeID(req *http.Request) (address.VolumeID, error) {
	volume, err := strconv.ParseInt(mux.Vars(req)["volume"], 10, 16)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "Invalid volume identifier: %s", err)
	}
	return address.VolumeID(volume), nil
}

func (s *volumeStatusService) handleListVolumes(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, disk.NewStatusReport(s.manager.Cache().Snapshot()))
}

func (s *volumeStatusService) handleGetVolume(w http.ResponseWriter, req *http.Request) {
	volume, err := getVolumeID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.allocator.GetPurposeAndSpaceInfo(req.Context(), volume)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, struct {
		Volume       int16  `json:"volume"`
		Purpose      string `json:"purpose"`
		Type         string `json:"type"`
		FreeSectors  int32  `json:"freeSectors"`
		TotalSectors int32  `json:"totalSectors"`
		MaxSectors   int32  `json:"maxSectors"`
	}{
		Volume:       int16(volume),
		Purpose:      info.Purpose.String(),
		Type:         info.Type.String(),
		FreeSectors:  info.FreeSectors,
		TotalSectors: info.TotalSectors,
		MaxSectors:   info.MaxSectors,
	})
}

func (s *volumeStatusService) handleDumpVolume(w http.ResponseWriter, req *http.Request) {
	volume, err := getVolumeID(req)
	if err != nil {
		writeError(w, err)
		return
	}
	var b bytes.Buffer
	if err := s.manager.DumpVolume(req.Context(), &b, volume); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := b.WriteTo(w); err != nil {
		log.Print(err)
	}
}
